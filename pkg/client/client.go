package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/api"
	"github.com/cuemby/rgmanager/pkg/cluster"
	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/security"
	"github.com/cuemby/rgmanager/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultTimeout bounds every unary call
const DefaultTimeout = 10 * time.Second

// Client talks to one rgmanager node's GroupManager API
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to addr. With a non-empty certDir the connection uses
// mutual TLS from that directory, otherwise it is plaintext.
func NewClient(addr, certDir string) (*Client, error) {
	creds := insecure.NewCredentials()
	if certDir != "" {
		tlsConfig, err := security.ClientTLSConfig(certDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificates: %w", err)
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClientConn(conn), nil
}

// NewClientConn wraps an existing connection
func NewClientConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: DefaultTimeout}
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return api.FromStatus(err)
	}
	return nil
}

// EnableGroup starts a group, on node when it is not empty
func (c *Client) EnableGroup(ctx context.Context, group string, node types.NodeID) error {
	return c.invoke(ctx, api.MethodEnableGroup, api.GroupRequest(group, node), new(emptypb.Empty))
}

// DisableGroup stops a group
func (c *Client) DisableGroup(ctx context.Context, group string) error {
	return c.invoke(ctx, api.MethodDisableGroup, wrapperspb.String(group), new(emptypb.Empty))
}

// FreezeGroup suspends transitions of a group
func (c *Client) FreezeGroup(ctx context.Context, group string) error {
	return c.invoke(ctx, api.MethodFreezeGroup, wrapperspb.String(group), new(emptypb.Empty))
}

// UnfreezeGroup resumes transitions of a group
func (c *Client) UnfreezeGroup(ctx context.Context, group string) error {
	return c.invoke(ctx, api.MethodUnfreezeGroup, wrapperspb.String(group), new(emptypb.Empty))
}

// RelocateGroup moves a group to node
func (c *Client) RelocateGroup(ctx context.Context, group string, node types.NodeID) error {
	return c.invoke(ctx, api.MethodRelocateGroup, api.GroupRequest(group, node), new(emptypb.Empty))
}

// ListGroups returns the status of every group
func (c *Client) ListGroups(ctx context.Context) (api.GroupList, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodListGroups, new(emptypb.Empty), resp); err != nil {
		return api.GroupList{}, err
	}
	return api.GroupListFromStruct(resp), nil
}

// GetMembership returns the answering node's membership snapshot
func (c *Client) GetMembership(ctx context.Context) (api.Membership, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodGetMembership, new(emptypb.Empty), resp); err != nil {
		return api.Membership{}, err
	}
	return api.MembershipFromStruct(resp), nil
}

// GetHistory returns up to limit transitions of a group, oldest first.
// A limit of zero returns everything recorded.
func (c *Client) GetHistory(ctx context.Context, group string, limit int) ([]types.TransitionRecord, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, api.MethodGetHistory, api.HistoryRequest(group, limit), resp); err != nil {
		return nil, err
	}
	return api.HistoryFromStruct(resp), nil
}

// ApplyCommand sends a replicated command to the node, which must be the
// raft leader
func (c *Client) ApplyCommand(ctx context.Context, cmd cluster.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	return c.invoke(ctx, api.MethodApplyCommand, wrapperspb.Bytes(data), new(emptypb.Empty))
}

// WatchEvents streams events until ctx is cancelled or the server goes
// away. The returned channel is closed when the stream ends.
func (c *Client) WatchEvents(ctx context.Context) (<-chan *events.Event, error) {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.MethodWatchEvents)
	if err != nil {
		return nil, api.FromStatus(err)
	}
	if err := stream.SendMsg(new(emptypb.Empty)); err != nil {
		return nil, api.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, api.FromStatus(err)
	}

	out := make(chan *events.Event, 16)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if err != io.EOF {
					logger := log.WithComponent("client")
					logger.Debug().Err(err).Msg("event stream closed")
				}
				return
			}
			select {
			case out <- api.EventFromStruct(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Forwarder sends commands from followers to the leader's API, keeping one
// connection per address
type Forwarder struct {
	certDir string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewForwarder creates a forwarder that dials with the certificates in
// certDir, or plaintext when it is empty
func NewForwarder(certDir string) *Forwarder {
	return &Forwarder{
		certDir: certDir,
		clients: make(map[string]*Client),
	}
}

// Forward implements cluster.Forwarder
func (f *Forwarder) Forward(ctx context.Context, apiAddr string, cmd cluster.Command) error {
	c, err := f.client(apiAddr)
	if err != nil {
		return err
	}
	return c.ApplyCommand(ctx, cmd)
}

func (f *Forwarder) client(addr string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[addr]; ok {
		return c, nil
	}
	c, err := NewClient(addr, f.certDir)
	if err != nil {
		return nil, err
	}
	f.clients[addr] = c
	return c, nil
}

// Close closes every cached connection
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for addr, c := range f.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.clients, addr)
	}
	return firstErr
}
