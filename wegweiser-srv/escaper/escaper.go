package escaper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
)

// maxChainHops bounds how many route escapers one dial may traverse.
// Mutually recursive routes are expressible in config, so the guard has
// to sit on the dial path.
const maxChainHops = 16

var (
	// ErrChainTooDeep is returned when a dial traverses more route
	// escapers than maxChainHops allows.
	ErrChainTooDeep = errors.New("escaper chain too deep")
	// ErrDenied is returned by the deny escaper.
	ErrDenied = errors.New("connection denied by escaper")
)

// Target is the upstream address a connection wants to reach.
type Target struct {
	Host string // Domain name or IP literal as sent by the client
	Port uint16
	IP   net.IP // Non-nil when Host is an IP literal
}

// ParseTarget splits a host:port address into a Target. Targets are never
// resolved here: whether Host is a name or an IP decides which route
// tables apply, and resolution belongs to the terminal escaper.
func ParseTarget(hostport string) (Target, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target port %q: %w", portStr, err)
	}
	return Target{
		Host: host,
		Port: uint16(port),
		IP:   net.ParseIP(host),
	}, nil
}

// Address returns the host:port form of the target.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// IsIP reports whether the target host is an IP literal.
func (t Target) IsIP() bool {
	return t.IP != nil
}

// DialInfo carries per-connection context along the escaper chain.
type DialInfo struct {
	Tenant   string   // Resolved tenant name, empty for the default tenant
	ClientIP string   // IP of the downstream client
	Path     []string // Escaper names traversed, in order
}

// clone copies the dial info so concurrent dial attempts can each record
// their own path.
func (d *DialInfo) clone() *DialInfo {
	c := *d
	c.Path = append([]string(nil), d.Path...)
	return &c
}

// record appends an escaper to the chain path and enforces the hop limit.
func (d *DialInfo) record(name string) error {
	if len(d.Path) >= maxChainHops {
		return fmt.Errorf("%w: %v", ErrChainTooDeep, d.Path)
	}
	d.Path = append(d.Path, name)
	return nil
}

// Escaper is one node of the egress chain. Terminal escapers dial the
// upstream; route escapers delegate to exactly one child per attempt.
type Escaper interface {
	Name() string
	Type() config.EscaperType
	Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error)
	Stats() *Stats
}

// baseEscaper carries the name and counters every escaper shares.
type baseEscaper struct {
	name  string
	stats Stats
}

func (b *baseEscaper) Name() string  { return b.name }
func (b *baseEscaper) Stats() *Stats { return &b.stats }
