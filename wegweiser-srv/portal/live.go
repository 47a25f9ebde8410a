package portal

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// liveInterval is how often the live feed pushes a fresh overview.
const liveInterval = 2 * time.Second

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The portal is only reachable through the proxy on the internal
	// domain, so cross-origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveUpdate is one frame of the live stats feed.
type liveUpdate struct {
	Overview any   `json:"overview"`
	Escapers any   `json:"escapers"`
	SentAt   int64 `json:"sent_at"`
}

// serveLive streams overview stats and escaper counters over a
// websocket until the client goes away.
func (p *Portal) serveLive(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Portal live feed upgrade failed: %v", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing live feed connection: %v", closeErr)
		}
	}()

	logger.Debug("Portal live feed opened for %s", r.RemoteAddr)

	// Reads only serve to notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(liveInterval)
	defer ticker.Stop()

	for {
		overview, err := p.collector.GetOverviewStats(r.Context())
		if err != nil {
			logger.Error("Live feed failed to load overview: %v", err)
			return
		}

		update := liveUpdate{
			Overview: overview,
			Escapers: p.registry.Snapshot(),
			SentAt:   time.Now().Unix(),
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(update); err != nil {
			logger.Debug("Live feed write failed, closing: %v", err)
			return
		}

		select {
		case <-done:
			logger.Debug("Portal live feed closed by %s", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
