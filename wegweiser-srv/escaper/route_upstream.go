package escaper

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// RouteUpstreamEscaper selects the next escaper by the target address the
// client asked for. Targets are matched as written: an IP literal goes
// through the IP tables, a domain name through the domain tables, and
// names are never resolved before routing.
//
// Match order for IP targets: exact IP, then longest-prefix subnet, then
// default. For domain targets: exact domain, then most specific child
// domain, then regex rules scoped to their parent domain, then default.
type RouteUpstreamEscaper struct {
	baseEscaper
	cfg *config.EscaperRouteUpstream

	exactHosts   map[string]Escaper
	exactIPs     map[string]Escaper
	subnets      []subnetRoute
	childDomains map[string]Escaper
	regexRules   []regexRoute
	defaultNext  Escaper
}

type subnetRoute struct {
	net  *net.IPNet
	next Escaper
}

type regexRoute struct {
	parent string
	re     *regexp.Regexp
	next   Escaper
}

func newRouteUpstreamEscaper(name string, cfg *config.EscaperRouteUpstream) *RouteUpstreamEscaper {
	return &RouteUpstreamEscaper{
		baseEscaper: baseEscaper{name: name},
		cfg:         cfg,
	}
}

func (e *RouteUpstreamEscaper) Type() config.EscaperType { return config.EscaperTypeRouteUpstream }

// link resolves rule targets against the registry and compiles the match
// tables. Rules are compiled in config order, so for stages where order
// matters (regex) the first configured rule wins.
func (e *RouteUpstreamEscaper) link(reg *Registry) error {
	e.exactHosts = make(map[string]Escaper)
	e.exactIPs = make(map[string]Escaper)
	e.childDomains = make(map[string]Escaper)

	for _, rule := range e.cfg.Rules {
		next, err := reg.Get(rule.Next)
		if err != nil {
			return fmt.Errorf("escaper %s: rule next: %w", e.name, err)
		}
		for _, host := range rule.ExactHosts {
			e.exactHosts[strings.ToLower(host)] = next
		}
		for _, ipStr := range rule.ExactIPs {
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return fmt.Errorf("escaper %s: invalid exact IP %q", e.name, ipStr)
			}
			e.exactIPs[ip.String()] = next
		}
		for _, cidr := range rule.Subnets {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("escaper %s: invalid subnet %q: %w", e.name, cidr, err)
			}
			e.subnets = append(e.subnets, subnetRoute{net: ipNet, next: next})
		}
		for _, domain := range rule.ChildDomains {
			e.childDomains[strings.ToLower(domain)] = next
		}
		for _, rr := range rule.RegexRules {
			re, err := regexp.Compile(rr.Pattern)
			if err != nil {
				return fmt.Errorf("escaper %s: invalid regex %q: %w", e.name, rr.Pattern, err)
			}
			e.regexRules = append(e.regexRules, regexRoute{
				parent: strings.ToLower(rr.ParentDomain),
				re:     re,
				next:   next,
			})
		}
	}

	if e.cfg.DefaultNext != "" {
		next, err := reg.Get(e.cfg.DefaultNext)
		if err != nil {
			return fmt.Errorf("escaper %s: default next: %w", e.name, err)
		}
		e.defaultNext = next
	}
	return nil
}

func (e *RouteUpstreamEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addRequestPassed()

	next := e.match(target)
	if next == nil {
		e.stats.addFailed()
		return nil, fmt.Errorf("escaper %s: no route for target %s", e.name, target.Address())
	}
	logger.Trace("Escaper %s routed %s to %s", e.name, target.Address(), next.Name())
	return next.Connect(ctx, info, target)
}

// match runs the lookup tables for the target and returns the next
// escaper, or nil when nothing matches and no default is set.
func (e *RouteUpstreamEscaper) match(target Target) Escaper {
	if target.IsIP() {
		if next, ok := e.exactIPs[target.IP.String()]; ok {
			return next
		}
		if next := e.matchSubnet(target.IP); next != nil {
			return next
		}
		return e.defaultNext
	}

	host := strings.ToLower(strings.TrimSuffix(target.Host, "."))
	if next, ok := e.exactHosts[host]; ok {
		return next
	}
	if next := e.matchChildDomain(host); next != nil {
		return next
	}
	if next := e.matchRegex(host); next != nil {
		return next
	}
	return e.defaultNext
}

func (e *RouteUpstreamEscaper) matchSubnet(ip net.IP) Escaper {
	var best Escaper
	bestBits := -1
	for _, route := range e.subnets {
		if !route.net.Contains(ip) {
			continue
		}
		ones, _ := route.net.Mask.Size()
		if ones > bestBits {
			best = route.next
			bestBits = ones
		}
	}
	return best
}

// matchChildDomain walks the parent chain of the host from most specific
// to least, so example.net wins over net for a.example.net.
func (e *RouteUpstreamEscaper) matchChildDomain(host string) Escaper {
	for parent := host; parent != ""; {
		if next, ok := e.childDomains[parent]; ok {
			return next
		}
		idx := strings.IndexByte(parent, '.')
		if idx < 0 {
			break
		}
		parent = parent[idx+1:]
	}
	return nil
}

// matchRegex tests rules whose parent domain covers the host. The regex
// applies to the host prefix left of the parent domain.
func (e *RouteUpstreamEscaper) matchRegex(host string) Escaper {
	for _, rule := range e.regexRules {
		var prefix string
		switch {
		case host == rule.parent:
			prefix = ""
		case strings.HasSuffix(host, "."+rule.parent):
			prefix = strings.TrimSuffix(host, "."+rule.parent)
		default:
			continue
		}
		if rule.re.MatchString(prefix) {
			return rule.next
		}
	}
	return nil
}
