package escaper

import "sync/atomic"

// Stats holds per-escaper counters. All fields are updated atomically so
// snapshots can be taken while connections are in flight.
type Stats struct {
	requestsPassed     atomic.Int64 // Route delegations through this escaper
	connectAttempted   atomic.Int64
	connectEstablished atomic.Int64
	connectFailed      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of an escaper's counters.
type StatsSnapshot struct {
	RequestsPassed     int64 `json:"requests_passed"`
	ConnectAttempted   int64 `json:"connect_attempted"`
	ConnectEstablished int64 `json:"connect_established"`
	ConnectFailed      int64 `json:"connect_failed"`
}

func (s *Stats) addRequestPassed() { s.requestsPassed.Add(1) }
func (s *Stats) addAttempt()       { s.connectAttempted.Add(1) }
func (s *Stats) addEstablished()   { s.connectEstablished.Add(1) }
func (s *Stats) addFailed()        { s.connectFailed.Add(1) }

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RequestsPassed:     s.requestsPassed.Load(),
		ConnectAttempted:   s.connectAttempted.Load(),
		ConnectEstablished: s.connectEstablished.Load(),
		ConnectFailed:      s.connectFailed.Load(),
	}
}
