package health

import (
	"context"
	"net"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
)

// TCPChecker reports a group healthy while its address accepts connections
type TCPChecker struct {
	Group   string
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for host:port
func NewTCPChecker(group, address string) *TCPChecker {
	return &TCPChecker{Group: group, Address: address, Timeout: DefaultTimeout}
}

// Check opens and closes one connection
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "%s: %s not accepting connections: %v", t.Group, t.Address, err)
	}
	_ = conn.Close()

	return passed(start, "%s: %s accepting connections", t.Group, t.Address)
}

// Type returns types.CheckTCP
func (t *TCPChecker) Type() types.CheckType {
	return types.CheckTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
