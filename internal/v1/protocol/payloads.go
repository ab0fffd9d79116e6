package protocol

import "time"

// UserInfo mirrors the identity extracted from the bearer token.
type UserInfo struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// UserRef is the short identity used inside lock and force-transfer
// payloads.
type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// --- Lifecycle ---

type AuthenticatedPayload struct {
	Success bool      `json:"success"`
	User    *UserInfo `json:"user,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type ConnectionWarningPayload struct {
	Limit          int     `json:"limit"`
	Current        int     `json:"current"`
	PercentageUsed float64 `json:"percentageUsed"`
}

type ConnectionRejectedPayload struct {
	Reason     string `json:"reason"`
	Limit      int    `json:"limit"`
	Current    int    `json:"current"`
	RetryAfter int64  `json:"retryAfter"` // milliseconds
}

type ConnectionBannedPayload struct {
	Reason     string    `json:"reason"`
	Duration   int64     `json:"duration"` // milliseconds
	ExpiresAt  time.Time `json:"expiresAt"`
	Violations int       `json:"violations"`
}

type RateLimitExceededPayload struct {
	EventName  string `json:"eventName"`
	Limit      int    `json:"limit"`
	Window     int64  `json:"window"`     // milliseconds
	RetryAfter int64  `json:"retryAfter"` // milliseconds
	Violations int    `json:"violations"`
}

type ServerShutdownPayload struct {
	Message     string `json:"message"`
	ReconnectIn int64  `json:"reconnectIn"` // milliseconds
}

// --- Rooms & presence ---

type RoomJoinPayload struct {
	RoomID string `json:"roomId"`
}

type RoomLeavePayload struct {
	RoomID string `json:"roomId"`
}

type RoomQueryUsersPayload struct {
	RoomID string `json:"roomId"`
}

// RoomMemberInfo is the roster entry broadcast in presence snapshots.
type RoomMemberInfo struct {
	ConnectionID       string    `json:"connectionId"`
	UserID             string    `json:"userId"`
	Username           string    `json:"username"`
	JoinedAt           time.Time `json:"joinedAt"`
	CurrentSubResource *string   `json:"currentSubResource"`
	LastActivity       time.Time `json:"lastActivity"`
}

type RoomJoinedPayload struct {
	RoomID       string           `json:"roomId"`
	Users        []RoomMemberInfo `json:"users"`
	CurrentUsers int              `json:"currentUsers"`
	MaxUsers     int              `json:"maxUsers"`
	AutoLock     *AutoLockResult  `json:"autoLock,omitempty"`
}

type RoomLeftPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message,omitempty"`
}

type RoomCapacity struct {
	Current        int     `json:"current"`
	Max            int     `json:"max"`
	PercentageUsed float64 `json:"percentageUsed"`
}

type RoomUsersPayload struct {
	RoomID   string           `json:"roomId"`
	Users    []RoomMemberInfo `json:"users"`
	Capacity RoomCapacity     `json:"capacity"`
}

type RoomJoinRejectedPayload struct {
	RoomID       string `json:"roomId"`
	Reason       string `json:"reason"`
	CurrentUsers int    `json:"currentUsers"`
	MaxUsers     int    `json:"maxUsers"`
}

type RoomCapacityWarningPayload struct {
	RoomID         string  `json:"roomId"`
	CurrentUsers   int     `json:"currentUsers"`
	MaxUsers       int     `json:"maxUsers"`
	PercentageUsed float64 `json:"percentageUsed"`
}

type UserJoinedPayload struct {
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

type UserLeftPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

type PresenceUpdatedPayload struct {
	RoomID        string           `json:"roomId"`
	Users         []RoomMemberInfo `json:"users"`
	EventType     string           `json:"eventType"`
	TriggerUserID string           `json:"triggerUserId"`
	Timestamp     time.Time        `json:"timestamp"`
}

type SetCurrentSubResourcePayload struct {
	RoomID          string  `json:"roomId"`
	SubResourceType *string `json:"subResourceType"`
}

type HeartbeatPayload struct {
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// --- Typed resource join/leave ---

type ResourceJoinPayload struct {
	ResourceType         string `json:"resourceType"`
	ResourceUUID         string `json:"resourceUuid"`
	InitialSubResourceID string `json:"initialSubResourceId,omitempty"`
}

type ResourceLeavePayload struct {
	ResourceType string `json:"resourceType"`
	ResourceUUID string `json:"resourceUuid"`
}

type ResourceJoinRejectedPayload struct {
	ResourceType   string `json:"resourceType"`
	ResourceUUID   string `json:"resourceUuid"`
	Reason         string `json:"reason"`
	ResourceStatus string `json:"resourceStatus,omitempty"`
}

// AutoLockResult reports the outcome of the join-time lock attempt.
type AutoLockResult struct {
	Acquired      bool       `json:"acquired"`
	SubResourceID string     `json:"subResourceId"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	DenialReason  string     `json:"denialReason,omitempty"`
	LockedBy      *UserRef   `json:"lockedBy,omitempty"`
}

// --- Locks ---

type LockRequestPayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
}

// LockHolderInfo describes the current holder in denial payloads.
type LockHolderInfo struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type LockAcquiredPayload struct {
	RoomID        string    `json:"roomId"`
	SubResourceID string    `json:"subResourceId"`
	LockedAt      time.Time `json:"lockedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type LockDeniedPayload struct {
	RoomID            string          `json:"roomId"`
	SubResourceID     string          `json:"subResourceId"`
	Reason            string          `json:"reason"`
	CurrentLockHolder *LockHolderInfo `json:"currentLockHolder,omitempty"`
}

type LockReleasedAckPayload struct {
	RoomID        string `json:"roomId"`
	SubResourceID string `json:"subResourceId"`
}

// SubResourceLockedPayload is the room broadcast on any successful
// acquisition, including force-transfer grants and auto-lock.
type SubResourceLockedPayload struct {
	RoomID        string    `json:"roomId"`
	SubResourceID string    `json:"subResourceId"`
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	LockedAt      time.Time `json:"lockedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type SubResourceUnlockedPayload struct {
	RoomID        string `json:"roomId"`
	SubResourceID string `json:"subResourceId"`
	Reason        string `json:"reason"`
	UserID        string `json:"userId,omitempty"`
	Username      string `json:"username,omitempty"`
}

// LockReleasedPayload is the unified release broadcast that accompanies
// the legacy subresource:unlocked on disconnect and sweeper reaps.
type LockReleasedPayload struct {
	Reason        string `json:"reason"`
	RoomID        string `json:"roomId"`
	SubResourceID string `json:"subResourceId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
}

type LockExtendedPayload struct {
	RoomID        string    `json:"roomId"`
	SubResourceID string    `json:"subResourceId"`
	NewExpiresAt  time.Time `json:"newExpiresAt"`
}

type LockExpiringSoonPayload struct {
	RoomID           string    `json:"roomId"`
	SubResourceID    string    `json:"subResourceId"`
	RemainingMinutes int       `json:"remainingMinutes"`
	RemainingTime    int64     `json:"remainingTime"` // milliseconds
	ExpiresAt        time.Time `json:"expiresAt"`
}

type LockExpiredPayload struct {
	RoomID        string `json:"roomId"`
	SubResourceID string `json:"subResourceId"`
	Reason        string `json:"reason"`
}

// --- Force transfer ---

type ForceRequestPayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
	Message       string `json:"message,omitempty"`
}

type ForceResponsePayload struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Message   string `json:"message,omitempty"`
}

type ForceRequestReceivedPayload struct {
	RequestID      string    `json:"requestId"`
	RoomID         string    `json:"roomId"`
	SubResourceID  string    `json:"subResourceId"`
	RequestedBy    UserRef   `json:"requestedBy"`
	Message        string    `json:"message,omitempty"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type ForceRequestPendingPayload struct {
	RequestID      string    `json:"requestId"`
	RoomID         string    `json:"roomId"`
	SubResourceID  string    `json:"subResourceId"`
	LockedBy       UserRef   `json:"lockedBy"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type ForceRequestApprovedPayload struct {
	RequestID     string  `json:"requestId"`
	RoomID        string  `json:"roomId"`
	SubResourceID string  `json:"subResourceId"`
	ApprovedBy    UserRef `json:"approvedBy"`
	Message       string  `json:"message,omitempty"`
}

type ForceRequestRejectedPayload struct {
	RequestID     string `json:"requestId"`
	RoomID        string `json:"roomId"`
	SubResourceID string `json:"subResourceId"`
	Reason        string `json:"reason"`
	Message       string `json:"message,omitempty"`
}

// --- External updates ---

// ResourceUpdatedPayload is the room broadcast driven by the REST side's
// resource.updated bus events.
type ResourceUpdatedPayload struct {
	RoomID          string         `json:"roomId"`
	ResourceType    string         `json:"resourceType"`
	ResourceID      string         `json:"resourceId"`
	NewRevisionID   string         `json:"newRevisionId"`
	UpdatedBy       string         `json:"updatedBy"`
	UpdatedByUserID string         `json:"updatedByUserId"`
	SubResourceID   string         `json:"subResourceId,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ChangesSummary  map[string]any `json:"changesSummary,omitempty"`
}
