// Package protocol defines the gateway's wire contract: event names, the
// JSON frame envelope, payload DTOs, and the error taxonomy. Deployed
// clients match on event names byte for byte, so the strings in this
// package must never change.
package protocol

// Client to server events.
const (
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventRoomQueryUsers = "room:query_users"

	EventResourceJoin      = "resource:join"
	EventResourceLeave     = "resource:leave"
	EventSubResourceLock   = "resource:subresource_lock"
	EventSubResourceUnlock = "resource:subresource_unlock"
	EventForceRequest      = "resource:subresource_lock:force_request"
	EventForceResponse     = "resource:subresource_lock:force_response"

	EventPresenceSetSubResource = "presence:set_current_subresource"
	EventUserHeartbeat          = "user:heartbeat"
	EventLockExtend             = "lock:extend"
)

// Legacy aliases. Older clients still emit these; they route to the same
// handlers as their resource:* counterparts.
const (
	EventSurgeryJoin        = "surgery:join"
	EventSurgeryLeave       = "surgery:leave"
	EventSurgeryLockAcquire = "surgery:subresource_lock_acquire"
	EventSurgeryLockRelease = "surgery:subresource_lock_release"
)

// Server to client lifecycle events.
const (
	EventAuthenticated      = "authenticated"
	EventConnectionWarning  = "connection:warning"
	EventConnectionRejected = "connection:rejected"
	EventConnectionBanned   = "connection:banned"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventSocketError        = "socket:error"
	EventServerShutdown     = "server:shutdown"
)

// Server to client room responses.
const (
	EventRoomJoined          = "room:joined"
	EventRoomLeft            = "room:left"
	EventRoomUsers           = "room:users"
	EventRoomJoinRejected    = "room:join_rejected"
	EventRoomCapacityWarning = "room:capacity_warning"

	EventResourceJoinRejected = "resource:join_rejected"
	EventSurgeryJoinRejected  = "surgery:join_rejected"
)

// Server to room broadcasts.
const (
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventPresenceUpdated     = "presence:updated"
	EventSubResourceLocked   = "subresource:locked"
	EventSubResourceUnlocked = "subresource:unlocked"
	EventLockReleased        = "lock:released"
	EventResourceUpdated     = "resource:updated"
)

// Targeted lock replies.
const (
	EventLockAcquired     = "subresource:lock_acquired"
	EventLockDenied       = "subresource:lock_denied"
	EventLockReleasedAck  = "subresource:lock_released"
	EventLockExtended     = "lock:extended"
	EventLockExpiringSoon = "lock:expiring_soon"
	EventLockExpired      = "lock:expired"

	EventForceRequestReceived = "resource:subresource_lock:force_request_received"
	EventForceRequestPending  = "resource:subresource_lock:force_request_pending"
	EventForceRequestApproved = "resource:subresource_lock:force_request_approved"
	EventForceRequestRejected = "resource:subresource_lock:force_request_rejected"
)

// Presence change kinds carried in presence:updated.
const (
	PresenceEventUserJoined         = "user_joined"
	PresenceEventUserLeft           = "user_left"
	PresenceEventSubResourceChanged = "subresource_changed"
)

// Lock release reasons seen on the wire.
const (
	ReleaseReasonManual     = "manual"
	ReleaseReasonTimeout    = "timeout"
	ReleaseReasonDisconnect = "disconnect"
	ReleaseReasonInactivity = "INACTIVITY_TIMEOUT"

	// LockReleasedDisconnect is the reason on the unified lock:released
	// broadcast; the legacy subresource:unlocked keeps the lowercase form.
	LockReleasedDisconnect = "DISCONNECT"
)

// Force-transfer rejection reasons.
const (
	ForceRejectedOwner        = "OWNER_REJECTED"
	ForceRejectedTimeout      = "TIMEOUT"
	ForceRejectedDisconnected = "OWNER_DISCONNECTED"
	ForceRejectedLockReleased = "LOCK_RELEASED"
)
