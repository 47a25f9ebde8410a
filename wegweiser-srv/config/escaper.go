package config

// EscaperType identifies an escaper configuration variant.
type EscaperType string

// Available escaper types.
const (
	EscaperTypeDirect        EscaperType = "direct"         // Dial the upstream directly
	EscaperTypeProxyHTTP     EscaperType = "proxy-http"     // CONNECT through an upstream HTTP proxy
	EscaperTypeProxySocks5   EscaperType = "proxy-socks5"   // Through an upstream SOCKS5 proxy
	EscaperTypeRouteUpstream EscaperType = "route-upstream" // Route by upstream address
	EscaperTypeRouteClient   EscaperType = "route-client"   // Route by client IP
	EscaperTypeRouteSelect   EscaperType = "route-select"   // Weighted selection among next escapers
	EscaperTypeRouteFailover EscaperType = "route-failover" // Primary with standby fallback
	EscaperTypeDeny          EscaperType = "deny"           // Refuse all connections
)

// PickPolicy selects among weighted nodes in a route-select escaper.
type PickPolicy string

// Available pick policies.
const (
	PickPolicyRandom     PickPolicy = "random"
	PickPolicySerial     PickPolicy = "serial"
	PickPolicyRoundRobin PickPolicy = "round-robin"
	PickPolicyRendezvous PickPolicy = "rendezvous"
	PickPolicyJump       PickPolicy = "jump"
)

// Escaper is the interface for all escaper configurations.
// Instantiation and linking live in the escaper package.
type Escaper interface {
	Type() EscaperType
}

// EscaperDirect dials upstreams directly from this host.
type EscaperDirect struct {
	BindIP                string // Optional local address to bind outgoing sockets to
	ForceIPv4             bool   // Resolve and dial IPv4 only
	ConnectTimeoutSeconds int    // Per-dial timeout, 0 means default
}

func (c *EscaperDirect) Type() EscaperType { return EscaperTypeDirect }

// EscaperProxyHTTP tunnels through an upstream HTTP proxy via CONNECT.
type EscaperProxyHTTP struct {
	Address  string
	Username *string
	Password *string
}

func (c *EscaperProxyHTTP) Type() EscaperType { return EscaperTypeProxyHTTP }

// EscaperProxySocks5 tunnels through an upstream SOCKS5 proxy.
type EscaperProxySocks5 struct {
	Address  string
	Username *string
	Password *string
}

func (c *EscaperProxySocks5) Type() EscaperType { return EscaperTypeProxySocks5 }

// RouteRegexRule scopes a regular expression to hosts under a parent domain.
type RouteRegexRule struct {
	ParentDomain string // Only hosts ending in this domain are tested
	Pattern      string // Applied to the remaining prefix
}

// RouteUpstreamRule binds a set of upstream matches to a next escaper.
type RouteUpstreamRule struct {
	Next         string
	ExactHosts   []string         // Exact domain matches
	ExactIPs     []string         // Exact IP matches
	Subnets      []string         // CIDR matches, longest prefix wins
	ChildDomains []string         // Suffix matches, most specific parent wins
	RegexRules   []RouteRegexRule // Regex matches scoped to a parent domain
}

// EscaperRouteUpstream selects the next escaper by upstream address.
type EscaperRouteUpstream struct {
	Rules       []RouteUpstreamRule
	DefaultNext string
}

func (c *EscaperRouteUpstream) Type() EscaperType { return EscaperTypeRouteUpstream }

// RouteClientRule binds a set of client-IP matches to a next escaper.
type RouteClientRule struct {
	Next     string
	ExactIPs []string
	Subnets  []string
}

// EscaperRouteClient selects the next escaper by client IP.
type EscaperRouteClient struct {
	Rules       []RouteClientRule
	DefaultNext string
}

func (c *EscaperRouteClient) Type() EscaperType { return EscaperTypeRouteClient }

// SelectNode is one weighted candidate of a route-select escaper.
type SelectNode struct {
	Next   string
	Weight float64 // Defaults to 1, zero excludes the node from selection
}

// EscaperRouteSelect distributes connections among next escapers.
type EscaperRouteSelect struct {
	PickPolicy PickPolicy
	Nodes      []SelectNode
}

func (c *EscaperRouteSelect) Type() EscaperType { return EscaperTypeRouteSelect }

// EscaperRouteFailover tries the primary and falls back to the standby.
type EscaperRouteFailover struct {
	Primary               string
	Standby               string
	FallbackTimeoutMillis int // How long the primary may take before the standby is raced, 0 means default
}

func (c *EscaperRouteFailover) Type() EscaperType { return EscaperTypeRouteFailover }

// EscaperDeny refuses every connection.
type EscaperDeny struct {
	Reason string // Optional message returned in the connect error
}

func (c *EscaperDeny) Type() EscaperType { return EscaperTypeDeny }
