package escaper

import (
	"context"
	"fmt"
	"net"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// RouteClientEscaper selects the next escaper by the IP of the downstream
// client. Exact IPs are checked first, then subnets with the longest
// prefix winning, then the default.
type RouteClientEscaper struct {
	baseEscaper
	cfg *config.EscaperRouteClient

	exactIPs    map[string]Escaper
	subnets     []subnetRoute
	defaultNext Escaper
}

func newRouteClientEscaper(name string, cfg *config.EscaperRouteClient) *RouteClientEscaper {
	return &RouteClientEscaper{
		baseEscaper: baseEscaper{name: name},
		cfg:         cfg,
	}
}

func (e *RouteClientEscaper) Type() config.EscaperType { return config.EscaperTypeRouteClient }

func (e *RouteClientEscaper) link(reg *Registry) error {
	e.exactIPs = make(map[string]Escaper)

	for _, rule := range e.cfg.Rules {
		next, err := reg.Get(rule.Next)
		if err != nil {
			return fmt.Errorf("escaper %s: rule next: %w", e.name, err)
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

func (e *RouteClientEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addRequestPassed()

	next := e.match(info.ClientIP)
	if next == nil {
		e.stats.addFailed()
		return nil, fmt.Errorf("escaper %s: no route for client %s", e.name, info.ClientIP)
	}
	logger.Trace("Escaper %s routed client %s to %s", e.name, info.ClientIP, next.Name())
	return next.Connect(ctx, info, target)
}

func (e *RouteClientEscaper) match(clientIP string) Escaper {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return e.defaultNext
	}
	if next, ok := e.exactIPs[ip.String()]; ok {
		return next
	}

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
	if best != nil {
		return best
	}
	return e.defaultNext
}
