package dns

import (
	"errors"
	"net"
	"strings"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/miekg/dns"
)

// recordTTL is short so clients follow failovers quickly
const recordTTL = 5

var (
	// errForeign marks names outside the served domain
	errForeign = errors.New("name outside served domain")

	// errNoName marks names inside the domain that match no group or member
	errNoName = errors.New("no such group or member")
)

// GroupSource provides the placement the resolver answers from
type GroupSource interface {
	Status() []types.GroupStatus
	Membership() types.MembershipSnapshot
}

// Resolver answers A queries for groups and members:
//
//	<group>.<domain>         address of the node that owns the started group
//	<node>.node.<domain>     address of a current member
type Resolver struct {
	source GroupSource
	domain string // fully qualified, lower case
	addrs  map[types.NodeID]net.IP
}

// NewResolver creates a resolver for domain. addrs maps node ids to the
// address published for them.
func NewResolver(source GroupSource, domain string, addrs map[types.NodeID]net.IP) *Resolver {
	return &Resolver{
		source: source,
		domain: dns.Fqdn(strings.ToLower(domain)),
		addrs:  addrs,
	}
}

// Resolve returns the A records for name. A known name with nothing to
// publish, such as a stopped group, returns no records and no error.
func (r *Resolver) Resolve(name string) ([]dns.RR, error) {
	fqdn := dns.Fqdn(strings.ToLower(name))
	if !dns.IsSubDomain(r.domain, fqdn) || fqdn == r.domain {
		return nil, errForeign
	}
	label := strings.TrimSuffix(fqdn, "."+r.domain)

	if node, ok := strings.CutSuffix(label, ".node"); ok {
		return r.resolveMember(fqdn, types.NodeID(node))
	}
	if strings.Contains(label, ".") {
		return nil, errNoName
	}
	return r.resolveGroup(fqdn, label)
}

func (r *Resolver) resolveGroup(fqdn, id string) ([]dns.RR, error) {
	for _, st := range r.source.Status() {
		if !strings.EqualFold(st.ID, id) {
			continue
		}
		if st.State != types.GroupStateStarted || st.Owner == types.Unowned {
			return nil, nil
		}
		return r.record(fqdn, st.Owner), nil
	}
	return nil, errNoName
}

func (r *Resolver) resolveMember(fqdn string, node types.NodeID) ([]dns.RR, error) {
	for _, m := range r.source.Membership().Members {
		if strings.EqualFold(string(m), string(node)) {
			return r.record(fqdn, m), nil
		}
	}
	return nil, errNoName
}

func (r *Resolver) record(fqdn string, node types.NodeID) []dns.RR {
	ip := r.addrs[node].To4()
	if ip == nil {
		return nil
	}
	return []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   fqdn,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    recordTTL,
		},
		A: ip,
	}}
}

// NodeAddresses builds the address map from host:port strings, skipping
// entries whose host is not an IP
func NodeAddresses(hostPorts map[types.NodeID]string) map[types.NodeID]net.IP {
	out := make(map[types.NodeID]net.IP, len(hostPorts))
	for id, hp := range hostPorts {
		host := hp
		if h, _, err := net.SplitHostPort(hp); err == nil {
			host = h
		}
		if ip := net.ParseIP(host); ip != nil {
			out[id] = ip
		}
	}
	return out
}
