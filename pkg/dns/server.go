package dns

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	// DefaultListenAddr avoids the privileged port
	DefaultListenAddr = "127.0.0.1:5353"

	// DefaultDomain is the zone groups are published under
	DefaultDomain = "rgmanager"
)

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // UDP address (default: 127.0.0.1:5353)
	Domain     string   // Served zone (default: "rgmanager")
	Upstream   []string // Servers for names outside the zone; refused when empty
}

// Server publishes group owners over DNS
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string
	logger     zerolog.Logger

	mu      sync.RWMutex
	running bool
	addr    net.Addr
}

// NewServer creates a new DNS server. addrs maps node ids to the address
// published for them.
func NewServer(source GroupSource, addrs map[types.NodeID]net.IP, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}

	return &Server{
		resolver:   NewResolver(source, config.Domain, addrs),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
		logger:     log.WithComponent("dns"),
	}
}

// Start binds the UDP socket and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("DNS server already running")
	}

	pc, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)
	s.dnsServer = &dns.Server{PacketConn: pc, Handler: mux}
	s.addr = pc.LocalAddr()
	s.running = true

	go func() {
		if err := s.dnsServer.ActivateAndServe(); err != nil {
			s.logger.Error().Err(err).Msg("DNS server error")
		}
	}()

	s.logger.Info().Str("address", s.addr.String()).Str("domain", s.resolver.domain).Msg("DNS server started")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.dnsServer.Shutdown(); err != nil {
		s.logger.Error().Err(err).Msg("error stopping DNS server")
		return err
	}
	s.logger.Info().Msg("DNS server stopped")
	return nil
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		s.reply(w, r, dns.RcodeFormatError, nil)
		return
	}
	q := r.Question[0]

	s.logger.Debug().
		Str("query", q.Name).
		Uint16("type", q.Qtype).
		Msg("DNS query received")

	answers, err := s.resolver.Resolve(q.Name)
	switch {
	case errors.Is(err, errForeign):
		s.forwardQuery(w, r)
	case errors.Is(err, errNoName):
		s.reply(w, r, dns.RcodeNameError, nil)
	case q.Qtype != dns.TypeA:
		// the name exists but only has A records
		s.reply(w, r, dns.RcodeSuccess, nil)
	default:
		s.reply(w, r, dns.RcodeSuccess, answers)
	}
}

func (s *Server) reply(w dns.ResponseWriter, r *dns.Msg, rcode int, answers []dns.RR) {
	msg := new(dns.Msg)
	msg.SetRcode(r, rcode)
	msg.Authoritative = rcode != dns.RcodeFormatError
	msg.Answer = answers

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write DNS response")
	}
}

// forwardQuery relays names outside the zone to the upstream servers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	if len(s.upstream) == 0 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(msg)
		return
	}

	client := &dns.Client{Net: "udp"}
	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			s.logger.Debug().Err(err).Str("upstream", upstream).Msg("failed to forward query to upstream")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			s.logger.Error().Err(err).Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := new(dns.Msg)
	msg.SetRcode(r, dns.RcodeServerFailure)
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write DNS error response")
	}
}
