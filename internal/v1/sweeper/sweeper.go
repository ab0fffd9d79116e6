// Package sweeper reaps sub-resource locks held by connections that have
// gone quiet. It scans roster snapshots on a fixed cadence, so it never
// holds registry locks while emitting.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
)

// ActivitySource provides the roster activity snapshot, normally the room
// registry.
type ActivitySource interface {
	ActivitySnapshot() []rooms.MemberActivity
}

// LockReaper releases a connection's locks; the lock manager implements it.
type LockReaper interface {
	ReleaseAllForConnection(connectionID, forceReason string) []locks.Lock
}

// Emitter is notified after a connection was reaped so the released locks
// can be broadcast. Implemented by the gateway.
type Emitter interface {
	InactivityReaped(connectionID string, released []locks.Lock)
}

// Summary reports what one sweep did.
type Summary struct {
	Warned []rooms.MemberActivity
	Reaped map[string][]locks.Lock
}

// Sweeper periodically classifies members by inactivity: a warning log
// class below the lock TTL, a reap at or past it.
type Sweeper struct {
	clock       clockwork.Clock
	interval    time.Duration
	ttl         time.Duration
	warningTime time.Duration
	source      ActivitySource
	reaper      LockReaper
	emitter     Emitter

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(clock clockwork.Clock, interval, ttl, warningTime time.Duration, source ActivitySource, reaper LockReaper, emitter Emitter) *Sweeper {
	return &Sweeper{
		clock:       clock,
		interval:    interval,
		ttl:         ttl,
		warningTime: warningTime,
		source:      source,
		reaper:      reaper,
		emitter:     emitter,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	s.started = true
	go func() {
		defer close(s.done)
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.RunOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit. A no-op when the loop
// was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started {
		<-s.done
	}
}

// RunOnce performs a single sweep and returns what it did.
func (s *Sweeper) RunOnce() Summary {
	now := s.clock.Now()
	summary := Summary{Reaped: make(map[string][]locks.Lock)}
	warnThreshold := s.ttl - s.warningTime

	reapConns := make(map[string]bool)
	for _, member := range s.source.ActivitySnapshot() {
		inactive := now.Sub(member.LastActivity)
		switch {
		case inactive >= s.ttl:
			reapConns[member.ConnectionID] = true
		case inactive >= warnThreshold:
			summary.Warned = append(summary.Warned, member)
			logging.Warn(context.Background(), "INACTIVITY_WARNING: member approaching lock timeout",
				zap.String("connectionId", member.ConnectionID),
				zap.String("userId", member.UserID),
				zap.String("roomId", member.RoomID),
				zap.Duration("inactive", inactive))
		}
	}

	for connectionID := range reapConns {
		released := s.reaper.ReleaseAllForConnection(connectionID, protocol.ForceRejectedLockReleased)
		if len(released) == 0 {
			continue
		}
		summary.Reaped[connectionID] = released
		metrics.SweeperReleases.Add(float64(len(released)))
		if s.emitter != nil {
			s.emitter.InactivityReaped(connectionID, released)
		}
	}

	if len(summary.Warned) > 0 || len(summary.Reaped) > 0 {
		logging.Info(context.Background(), "Sweep completed",
			zap.Int("warned", len(summary.Warned)),
			zap.Int("reapedConnections", len(summary.Reaped)))
	}
	return summary
}
