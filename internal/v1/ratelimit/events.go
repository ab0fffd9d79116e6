package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

const (
	// ViolationExpiry resets the violation counter after a quiet period.
	ViolationExpiry = 5 * time.Minute
	// BanDuration is how long the 5th violation locks a connection out.
	BanDuration = 5 * time.Minute
	// DisconnectDelay gives the write pump time to flush the penalty frame
	// before the connection is dropped.
	DisconnectDelay = 250 * time.Millisecond

	// BanReasonAbuse is the wire reason carried by connection:banned.
	BanReasonAbuse = "RATE_LIMIT_ABUSE"

	disconnectThreshold = 3
	banThreshold        = 5
)

// Rule is one sliding-window limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Class names group events that share a window. The lock-acquire class
// keeps its legacy wire name.
const classLockAcquire = "surgery:lock"

var rules = map[string]Rule{
	protocol.EventRoomJoin: {Limit: 2, Window: 5 * time.Second},
	classLockAcquire:       {Limit: 5, Window: time.Second},
}

var defaultRule = Rule{Limit: 10, Window: time.Second}

// classOf folds aliases into their shared limit class.
func classOf(event string) string {
	switch event {
	case protocol.EventRoomJoin, protocol.EventResourceJoin, protocol.EventSurgeryJoin:
		return protocol.EventRoomJoin
	case protocol.EventSubResourceLock, protocol.EventSurgeryLockAcquire:
		return classLockAcquire
	default:
		return event
	}
}

func ruleFor(class string) Rule {
	if rule, ok := rules[class]; ok {
		return rule
	}
	return defaultRule
}

// Verdict is the limiter's instruction to the dispatcher.
type Verdict int

const (
	// VerdictAllow lets the event through.
	VerdictAllow Verdict = iota
	// VerdictWarn drops the event and emits rate_limit_exceeded.
	VerdictWarn
	// VerdictWarnDisconnect additionally schedules a disconnect after the
	// flush delay.
	VerdictWarnDisconnect
	// VerdictBan emits connection:banned, registers the ban and schedules
	// a disconnect.
	VerdictBan
	// VerdictDropBanned silently enforces an active ban: emit
	// rate_limit_exceeded, drop the event, keep the connection.
	VerdictDropBanned
)

// Decision carries everything the dispatcher needs to build the penalty
// payloads.
type Decision struct {
	Verdict      Verdict
	Limit        int
	Window       time.Duration
	RetryAfter   time.Duration
	Violations   int
	BanExpiresAt time.Time
}

type violationRecord struct {
	count  int
	lastAt time.Time
}

type banRecord struct {
	until  time.Time
	reason string
}

// EventLimiter tracks per-connection sliding windows, violations and bans.
// Windows die with the connection; violations and bans are retained until
// expiry so reconnecting abusers stay penalized.
type EventLimiter struct {
	clock clockwork.Clock

	mu         sync.Mutex
	windows    map[string]map[string][]time.Time
	violations map[string]*violationRecord
	bans       map[string]banRecord
}

func NewEventLimiter(clock clockwork.Clock) *EventLimiter {
	return &EventLimiter{
		clock:      clock,
		windows:    make(map[string]map[string][]time.Time),
		violations: make(map[string]*violationRecord),
		bans:       make(map[string]banRecord),
	}
}

// Check runs the limit algorithm for one inbound event.
func (l *EventLimiter) Check(connectionID, event string) Decision {
	now := l.clock.Now()
	class := classOf(event)
	rule := ruleFor(class)

	l.mu.Lock()
	defer l.mu.Unlock()

	if ban, ok := l.bans[connectionID]; ok {
		if now.Before(ban.until) {
			return Decision{
				Verdict:      VerdictDropBanned,
				Limit:        rule.Limit,
				Window:       rule.Window,
				RetryAfter:   ban.until.Sub(now),
				Violations:   l.violationCountLocked(connectionID),
				BanExpiresAt: ban.until,
			}
		}
		delete(l.bans, connectionID)
		delete(l.violations, connectionID)
	}

	window := l.pruneLocked(connectionID, class, now, rule.Window)
	if len(window) >= rule.Limit {
		return l.recordViolationLocked(connectionID, class, rule, window, now)
	}

	if l.windows[connectionID] == nil {
		l.windows[connectionID] = make(map[string][]time.Time)
	}
	l.windows[connectionID][class] = append(window, now)
	return Decision{Verdict: VerdictAllow, Limit: rule.Limit, Window: rule.Window}
}

// IsBanned reports an active ban for the admission gate. Expired bans are
// cleared as a side effect.
func (l *EventLimiter) IsBanned(connectionID string) (time.Time, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ban, ok := l.bans[connectionID]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(ban.until) {
		delete(l.bans, connectionID)
		delete(l.violations, connectionID)
		return time.Time{}, false
	}
	return ban.until, true
}

// Cleanup drops the connection's windows. Violations and bans survive.
func (l *EventLimiter) Cleanup(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, connectionID)
}

// ViolationCount exposes the current counter for the admin surface.
func (l *EventLimiter) ViolationCount(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violationCountLocked(connectionID)
}

// BanCount returns how many connections are currently banned.
func (l *EventLimiter) BanCount() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, ban := range l.bans {
		if now.Before(ban.until) {
			count++
		}
	}
	return count
}

func (l *EventLimiter) violationCountLocked(connectionID string) int {
	if v, ok := l.violations[connectionID]; ok {
		return v.count
	}
	return 0
}

// pruneLocked drops expired timestamps from the class window.
func (l *EventLimiter) pruneLocked(connectionID, class string, now time.Time, window time.Duration) []time.Time {
	entries := l.windows[connectionID][class]
	cutoff := now.Add(-window)
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if l.windows[connectionID] != nil {
		l.windows[connectionID][class] = kept
	}
	return kept
}

func (l *EventLimiter) recordViolationLocked(connectionID, class string, rule Rule, window []time.Time, now time.Time) Decision {
	v, ok := l.violations[connectionID]
	if !ok || now.Sub(v.lastAt) > ViolationExpiry {
		v = &violationRecord{}
		l.violations[connectionID] = v
	}
	v.count++
	v.lastAt = now
	metrics.RateLimitViolations.WithLabelValues(class).Inc()

	retryAfter := rule.Window
	if len(window) > 0 {
		retryAfter = window[0].Add(rule.Window).Sub(now)
	}

	decision := Decision{
		Limit:      rule.Limit,
		Window:     rule.Window,
		RetryAfter: retryAfter,
		Violations: v.count,
	}
	switch {
	case v.count >= banThreshold:
		until := now.Add(BanDuration)
		l.bans[connectionID] = banRecord{until: until, reason: BanReasonAbuse}
		metrics.RateLimitBans.Inc()
		decision.Verdict = VerdictBan
		decision.BanExpiresAt = until
	case v.count >= disconnectThreshold:
		decision.Verdict = VerdictWarnDisconnect
	default:
		decision.Verdict = VerdictWarn
	}
	return decision
}
