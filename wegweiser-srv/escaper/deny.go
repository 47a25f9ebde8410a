package escaper

import (
	"context"
	"fmt"
	"net"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
)

// DenyEscaper refuses every connection. Useful as a route default for
// tenants whose unmatched traffic must not leave the host.
type DenyEscaper struct {
	baseEscaper
	reason string
}

func newDenyEscaper(name string, cfg *config.EscaperDeny) *DenyEscaper {
	return &DenyEscaper{
		baseEscaper: baseEscaper{name: name},
		reason:      cfg.Reason,
	}
}

func (e *DenyEscaper) Type() config.EscaperType { return config.EscaperTypeDeny }

func (e *DenyEscaper) Connect(_ context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addAttempt()
	e.stats.addFailed()

	if e.reason != "" {
		return nil, fmt.Errorf("%w: %s (target %s)", ErrDenied, e.reason, target.Address())
	}
	return nil, fmt.Errorf("%w: target %s", ErrDenied, target.Address())
}
