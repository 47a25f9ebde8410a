package escaper

import (
	"context"
	"fmt"
	"net"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// RouteSelectEscaper distributes connections among weighted next escapers.
// The hash key for the consistent policies is the upstream host, so all
// connections to one host stick to the same node while the node set is
// unchanged.
type RouteSelectEscaper struct {
	baseEscaper
	cfg *config.EscaperRouteSelect
	vec *selectiveVec
}

func newRouteSelectEscaper(name string, cfg *config.EscaperRouteSelect) *RouteSelectEscaper {
	return &RouteSelectEscaper{
		baseEscaper: baseEscaper{name: name},
		cfg:         cfg,
	}
}

func (e *RouteSelectEscaper) Type() config.EscaperType { return config.EscaperTypeRouteSelect }

func (e *RouteSelectEscaper) link(reg *Registry) error {
	nodes := make([]selectiveNode, 0, len(e.cfg.Nodes))
	for _, node := range e.cfg.Nodes {
		next, err := reg.Get(node.Next)
		if err != nil {
			return fmt.Errorf("escaper %s: node next: %w", e.name, err)
		}
		nodes = append(nodes, selectiveNode{esc: next, weight: node.Weight})
	}

	vec, err := newSelectiveVec(e.cfg.PickPolicy, nodes)
	if err != nil {
		return fmt.Errorf("escaper %s: %w", e.name, err)
	}
	e.vec = vec
	return nil
}

func (e *RouteSelectEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addRequestPassed()

	next := e.vec.pick(target.Host)
	logger.Trace("Escaper %s selected %s for %s", e.name, next.Name(), target.Address())
	return next.Connect(ctx, info, target)
}
