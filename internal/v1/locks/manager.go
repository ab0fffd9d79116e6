// Package locks enforces exclusive leases on sub-resources: bounded hold
// times with a pre-expiry warning, holder-initiated extension, and a
// three-phase forced transfer. All mutations are serialized under one
// mutex; timer callbacks re-acquire it, so no emission happens while it is
// held.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// Lock is an exclusive lease on one sub-resource.
type Lock struct {
	Key           string
	RoomID        string
	SubResourceID string
	ConnectionID  string
	UserID        string
	Username      string
	LockedAt      time.Time
	ExpiresAt     time.Time
}

// HolderInfo shapes the lock for lock_denied and roster payloads.
func (l Lock) HolderInfo() protocol.LockHolderInfo {
	return protocol.LockHolderInfo{
		UserID:    l.UserID,
		Username:  l.Username,
		LockedAt:  l.LockedAt,
		ExpiresAt: l.ExpiresAt,
	}
}

// ForceRequest is a pending forced-transfer attempt against a held lock.
type ForceRequest struct {
	ID            string
	LockKey       string
	RoomID        string
	SubResourceID string
	RequesterConn string
	RequesterID   string
	RequesterName string
	OwnerConn     string
	Message       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Emitter receives timer-driven lock events. Calls are made outside the
// manager mutex.
type Emitter interface {
	LockExpiringSoon(lock Lock, remaining time.Duration)
	LockExpired(lock Lock)
	ForceAutoRejected(req ForceRequest, reason string)
}

// AlreadyLockedError carries the current holder for the lock_denied reply.
type AlreadyLockedError struct {
	Holder Lock
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("sub-resource %s is locked by %s", e.Holder.Key, e.Holder.Username)
}

// TransferResult is the outcome of an approved force response.
type TransferResult struct {
	Request  ForceRequest
	Released Lock
	Acquired Lock
}

type lockEntry struct {
	lock         Lock
	warningTimer clockwork.Timer
	expiryTimer  clockwork.Timer
}

type forceEntry struct {
	req   ForceRequest
	timer clockwork.Timer
}

// Manager is the authoritative lock and force-request table.
type Manager struct {
	clock        clockwork.Clock
	ttl          time.Duration
	warningTime  time.Duration
	forceTimeout time.Duration
	emitter      Emitter

	mu          sync.Mutex
	locks       map[string]*lockEntry
	forcesByKey map[string]*forceEntry
	forcesByID  map[string]*forceEntry
}

func NewManager(clock clockwork.Clock, ttl, warningTime, forceTimeout time.Duration, emitter Emitter) *Manager {
	return &Manager{
		clock:        clock,
		ttl:          ttl,
		warningTime:  warningTime,
		forceTimeout: forceTimeout,
		emitter:      emitter,
		locks:        make(map[string]*lockEntry),
		forcesByKey:  make(map[string]*forceEntry),
		forcesByID:   make(map[string]*forceEntry),
	}
}

// Key builds the canonical lock key.
func Key(roomID, subResourceID string) string {
	return roomID + ":" + subResourceID
}

// Acquire takes the lease for the connection. On contention the error is
// *AlreadyLockedError carrying the current holder.
func (m *Manager) Acquire(roomID, subResourceID, connectionID, userID, username string) (Lock, error) {
	key := Key(roomID, subResourceID)

	m.mu.Lock()
	if existing, ok := m.locks[key]; ok {
		holder := existing.lock
		m.mu.Unlock()
		return Lock{}, &AlreadyLockedError{Holder: holder}
	}
	lock := m.insertLocked(key, roomID, subResourceID, connectionID, userID, username)
	m.mu.Unlock()

	logging.Info(context.Background(), "Sub-resource locked",
		zap.String("lockKey", key),
		zap.String("userId", userID),
		zap.Time("expiresAt", lock.ExpiresAt))
	return lock, nil
}

// insertLocked creates the lock and schedules its warning and expiry
// timers. Caller holds m.mu.
func (m *Manager) insertLocked(key, roomID, subResourceID, connectionID, userID, username string) Lock {
	now := m.clock.Now()
	lock := Lock{
		Key:           key,
		RoomID:        roomID,
		SubResourceID: subResourceID,
		ConnectionID:  connectionID,
		UserID:        userID,
		Username:      username,
		LockedAt:      now,
		ExpiresAt:     now.Add(m.ttl),
	}
	m.locks[key] = &lockEntry{
		lock:         lock,
		warningTimer: m.clock.AfterFunc(m.ttl-m.warningTime, func() { m.onWarning(key, connectionID) }),
		expiryTimer:  m.clock.AfterFunc(m.ttl, func() { m.onExpiry(key, connectionID) }),
	}
	metrics.ActiveLocks.Set(float64(len(m.locks)))
	return lock
}

// Release drops the lease. The caller must be the holding connection.
func (m *Manager) Release(key, connectionID string) (Lock, error) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return Lock{}, protocol.NotFoundError(protocol.CodeLockNotFound, "No lock found for "+key)
	}
	if entry.lock.ConnectionID != connectionID {
		m.mu.Unlock()
		return Lock{}, protocol.AuthorizationError(protocol.CodeLockNotOwned, "Lock is held by another user")
	}
	lock := entry.lock
	rejected := m.removeLockLocked(key)
	m.mu.Unlock()

	m.rejectForces(rejected, protocol.ForceRejectedLockReleased)
	return lock, nil
}

// Extend renews the lease for the holder, resetting both timers.
func (m *Manager) Extend(key, connectionID string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok || entry.lock.ConnectionID != connectionID {
		return Lock{}, protocol.NotFoundError(protocol.CodeLockNotFound, "No lock found to extend")
	}

	entry.warningTimer.Stop()
	entry.expiryTimer.Stop()

	now := m.clock.Now()
	entry.lock.ExpiresAt = now.Add(m.ttl)
	connID := entry.lock.ConnectionID
	entry.warningTimer = m.clock.AfterFunc(m.ttl-m.warningTime, func() { m.onWarning(key, connID) })
	entry.expiryTimer = m.clock.AfterFunc(m.ttl, func() { m.onExpiry(key, connID) })
	return entry.lock, nil
}

// Get returns the lock for the key, if held.
func (m *Manager) Get(key string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[key]
	if !ok {
		return Lock{}, false
	}
	return entry.lock, true
}

// ReleaseAllForConnection drops every lease held by the connection and
// auto-rejects pending force requests against those leases with
// forceReason. Used by disconnect cleanup (OWNER_DISCONNECTED) and the
// inactivity sweeper (LOCK_RELEASED).
func (m *Manager) ReleaseAllForConnection(connectionID, forceReason string) []Lock {
	m.mu.Lock()
	var released []Lock
	var rejected []ForceRequest
	for key, entry := range m.locks {
		if entry.lock.ConnectionID == connectionID {
			released = append(released, entry.lock)
			rejected = append(rejected, m.removeLockLocked(key)...)
		}
	}
	m.mu.Unlock()

	m.rejectForces(rejected, forceReason)
	return released
}

// CancelForcesByRequester silently drops pending force requests initiated
// by a connection that is going away.
func (m *Manager) CancelForcesByRequester(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.forcesByID {
		if entry.req.RequesterConn == connectionID {
			entry.timer.Stop()
			delete(m.forcesByID, id)
			delete(m.forcesByKey, entry.req.LockKey)
		}
	}
}

// CreateForceRequest opens a forced-transfer attempt against a held lock.
func (m *Manager) CreateForceRequest(key, requesterConn, requesterID, requesterName, message string) (ForceRequest, Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok {
		return ForceRequest{}, Lock{}, protocol.NotFoundError(protocol.CodeLockNotFound, "No lock found for "+key)
	}
	// Ownership is per-connection: the holder's own connection cannot
	// force its lock, but another connection of the same user can.
	if entry.lock.ConnectionID == requesterConn {
		return ForceRequest{}, Lock{}, protocol.ValidationError(protocol.CodeCannotForceOwnLock, "You already hold this lock")
	}
	if _, pending := m.forcesByKey[key]; pending {
		return ForceRequest{}, Lock{}, protocol.ConflictError(protocol.CodeForcePending, "A force request is already pending for this sub-resource")
	}

	now := m.clock.Now()
	req := ForceRequest{
		ID:            uuid.NewString(),
		LockKey:       key,
		RoomID:        entry.lock.RoomID,
		SubResourceID: entry.lock.SubResourceID,
		RequesterConn: requesterConn,
		RequesterID:   requesterID,
		RequesterName: requesterName,
		OwnerConn:     entry.lock.ConnectionID,
		Message:       message,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.forceTimeout),
	}
	fe := &forceEntry{req: req}
	fe.timer = m.clock.AfterFunc(m.forceTimeout, func() { m.onForceTimeout(req.ID) })
	m.forcesByKey[key] = fe
	m.forcesByID[req.ID] = fe

	return req, entry.lock, nil
}

// RespondForce resolves a pending force request. The responder must be
// the holding connection; another connection of the same user is not the
// owner. On approval the lease moves to the requester with a fresh TTL;
// the released and newly acquired locks are returned for the caller's
// broadcasts.
func (m *Manager) RespondForce(requestID, responderConn string, approved bool) (*TransferResult, error) {
	m.mu.Lock()

	fe, ok := m.forcesByID[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, protocol.ConflictError(protocol.CodeForceProcessed, "Force request no longer pending")
	}
	entry, ok := m.locks[fe.req.LockKey]
	if !ok {
		// The lock vanished without its auto-reject running; treat as processed.
		m.mu.Unlock()
		return nil, protocol.ConflictError(protocol.CodeForceProcessed, "Force request no longer pending")
	}
	if entry.lock.ConnectionID != responderConn {
		m.mu.Unlock()
		return nil, protocol.AuthorizationError(protocol.CodeNotLockOwner, "Only the lock holder can respond to a force request")
	}

	fe.timer.Stop()
	delete(m.forcesByID, requestID)
	delete(m.forcesByKey, fe.req.LockKey)
	result := &TransferResult{Request: fe.req}

	if !approved {
		m.mu.Unlock()
		metrics.ForceTransferOutcomes.WithLabelValues("rejected").Inc()
		return result, nil
	}

	released := entry.lock
	entry.warningTimer.Stop()
	entry.expiryTimer.Stop()
	delete(m.locks, fe.req.LockKey)

	acquired := m.insertLocked(fe.req.LockKey, fe.req.RoomID, fe.req.SubResourceID,
		fe.req.RequesterConn, fe.req.RequesterID, fe.req.RequesterName)
	m.mu.Unlock()

	result.Released = released
	result.Acquired = acquired
	metrics.ForceTransferOutcomes.WithLabelValues("approved").Inc()
	return result, nil
}

// Count returns the number of held locks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// PendingForceCount returns the number of open force requests.
func (m *Manager) PendingForceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forcesByID)
}

// Snapshot returns all held locks for the admin surface.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lock, 0, len(m.locks))
	for _, entry := range m.locks {
		out = append(out, entry.lock)
	}
	return out
}

// Stop cancels every timer; used on shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.locks {
		entry.warningTimer.Stop()
		entry.expiryTimer.Stop()
	}
	for _, fe := range m.forcesByID {
		fe.timer.Stop()
	}
}

// removeLockLocked deletes the lock, cancels its timers and detaches any
// pending force request, returning it for rejection outside the mutex.
// Caller holds m.mu.
func (m *Manager) removeLockLocked(key string) []ForceRequest {
	var rejected []ForceRequest
	if entry, ok := m.locks[key]; ok {
		entry.warningTimer.Stop()
		entry.expiryTimer.Stop()
		delete(m.locks, key)
		metrics.ActiveLocks.Set(float64(len(m.locks)))
	}
	if fe, ok := m.forcesByKey[key]; ok {
		fe.timer.Stop()
		delete(m.forcesByKey, key)
		delete(m.forcesByID, fe.req.ID)
		rejected = append(rejected, fe.req)
	}
	return rejected
}

func (m *Manager) rejectForces(reqs []ForceRequest, reason string) {
	for _, req := range reqs {
		metrics.ForceTransferOutcomes.WithLabelValues("auto_rejected").Inc()
		if m.emitter != nil {
			m.emitter.ForceAutoRejected(req, reason)
		}
	}
}

// onWarning fires at TTL−warningTime; skipped when the lock was released,
// transferred or extended in the meantime.
func (m *Manager) onWarning(key, connectionID string) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok || entry.lock.ConnectionID != connectionID {
		m.mu.Unlock()
		return
	}
	lock := entry.lock
	remaining := lock.ExpiresAt.Sub(m.clock.Now())
	m.mu.Unlock()

	if m.emitter != nil {
		m.emitter.LockExpiringSoon(lock, remaining)
	}
}

// onExpiry fires at TTL; releases the lock with reason timeout.
func (m *Manager) onExpiry(key, connectionID string) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok || entry.lock.ConnectionID != connectionID {
		m.mu.Unlock()
		return
	}
	lock := entry.lock
	rejected := m.removeLockLocked(key)
	m.mu.Unlock()

	logging.Info(context.Background(), "Lock expired",
		zap.String("lockKey", key),
		zap.String("userId", lock.UserID))

	m.rejectForces(rejected, protocol.ForceRejectedLockReleased)
	if m.emitter != nil {
		m.emitter.LockExpired(lock)
	}
}

// onForceTimeout fires 30s after a force request with no owner response.
func (m *Manager) onForceTimeout(requestID string) {
	m.mu.Lock()
	fe, ok := m.forcesByID[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.forcesByID, requestID)
	delete(m.forcesByKey, fe.req.LockKey)
	req := fe.req
	m.mu.Unlock()

	logging.Info(context.Background(), "Force request timed out",
		zap.String("requestId", requestID),
		zap.String("lockKey", req.LockKey))
	m.rejectForces([]ForceRequest{req}, protocol.ForceRejectedTimeout)
}
