package escaper

import (
	"fmt"
	"sort"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
)

// linker is implemented by route escapers whose children are resolved by
// name after all escapers exist.
type linker interface {
	link(reg *Registry) error
}

// Registry holds all configured escapers by name. Construction is two
// phase: every escaper is instantiated first, then route escapers resolve
// their children, so rules may reference escapers defined later in the
// config and mutual references are representable (the per-dial hop limit
// keeps them from looping at connect time).
type Registry struct {
	escapers    map[string]Escaper
	defaultName string
}

// NewRegistry builds the escaper chain from the configuration.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	defaultTimeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		defaultTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	reg := &Registry{
		escapers:    make(map[string]Escaper, len(cfg.Escapers)),
		defaultName: cfg.DefaultEscaper,
	}

	for name, escCfg := range cfg.Escapers {
		esc, err := buildEscaper(name, escCfg, cfg.DNS, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("escaper %s: %w", name, err)
		}
		reg.escapers[name] = esc
	}

	// Link in sorted order for deterministic error reporting
	names := make([]string, 0, len(reg.escapers))
	for name := range reg.escapers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if l, ok := reg.escapers[name].(linker); ok {
			if err := l.link(reg); err != nil {
				return nil, err
			}
		}
	}

	if _, err := reg.Get(reg.defaultName); err != nil {
		return nil, fmt.Errorf("default escaper: %w", err)
	}
	return reg, nil
}

func buildEscaper(name string, escCfg config.Escaper, dns config.DNSConfig, defaultTimeout time.Duration) (Escaper, error) {
	switch c := escCfg.(type) {
	case *config.EscaperDirect:
		return newDirectEscaper(name, c, dns, defaultTimeout)
	case *config.EscaperProxyHTTP:
		return newProxyHTTPEscaper(name, c, defaultTimeout), nil
	case *config.EscaperProxySocks5:
		return newProxySocks5Escaper(name, c, defaultTimeout), nil
	case *config.EscaperRouteUpstream:
		return newRouteUpstreamEscaper(name, c), nil
	case *config.EscaperRouteClient:
		return newRouteClientEscaper(name, c), nil
	case *config.EscaperRouteSelect:
		return newRouteSelectEscaper(name, c), nil
	case *config.EscaperRouteFailover:
		return newRouteFailoverEscaper(name, c), nil
	case *config.EscaperDeny:
		return newDenyEscaper(name, c), nil
	default:
		return nil, fmt.Errorf("unsupported escaper config type %T", escCfg)
	}
}

// Get returns the escaper with the given name.
func (r *Registry) Get(name string) (Escaper, error) {
	esc, ok := r.escapers[name]
	if !ok {
		return nil, fmt.Errorf("unknown escaper %q", name)
	}
	return esc, nil
}

// Default returns the entry escaper used when no tenant override applies.
func (r *Registry) Default() Escaper {
	return r.escapers[r.defaultName]
}

// Names returns all escaper names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.escapers))
	for name := range r.escapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the counters of every escaper, keyed by name.
func (r *Registry) Snapshot() map[string]StatsSnapshot {
	snap := make(map[string]StatsSnapshot, len(r.escapers))
	for name, esc := range r.escapers {
		snap[name] = esc.Stats().Snapshot()
	}
	return snap
}
