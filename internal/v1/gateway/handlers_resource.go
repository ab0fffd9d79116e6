package gateway

import (
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
	"github.com/medatlas/collab-gateway/internal/v1/validator"
)

// supportedResourceTypes are the room prefixes the typed join accepts.
var supportedResourceTypes = map[string]bool{
	"surgery-management": true,
	"admin_panel":        true,
	"chat":               true,
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// handleResourceJoin validates the resource against the REST side before
// admitting the member, optionally taking the auto-lock. rejectEvent keeps
// legacy surgery:join clients on their own rejection event name.
func (g *Gateway) handleResourceJoin(c *transport.Client, frame protocol.Frame, rejectEvent string) {
	var payload protocol.ResourceJoinPayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed resource join payload").WithCause(err), frame.Event)
		return
	}

	if !supportedResourceTypes[payload.ResourceType] {
		c.SendError(protocol.ValidationError(protocol.CodeUnsupportedType, "Unsupported resource type: "+payload.ResourceType), frame.Event)
		return
	}
	if !uuidPattern.MatchString(payload.ResourceUUID) {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidUUID, "resourceUuid must be a UUID"), frame.Event)
		return
	}

	resource, err := g.validator.FindOne(context.Background(), payload.ResourceUUID)
	if err != nil {
		if errors.Is(err, validator.ErrNotFound) {
			c.Send(rejectEvent, protocol.ResourceJoinRejectedPayload{
				ResourceType: payload.ResourceType,
				ResourceUUID: payload.ResourceUUID,
				Reason:       protocol.CodeResourceNotFound,
			})
			return
		}
		logging.Error(context.Background(), "Resource lookup failed",
			zap.String("resourceUuid", payload.ResourceUUID), zap.Error(err))
		c.SendError(protocol.InternalError("Resource validation failed").WithCause(err), frame.Event)
		return
	}
	if !validator.IsResourceOpen(resource) {
		c.Send(rejectEvent, protocol.ResourceJoinRejectedPayload{
			ResourceType:   payload.ResourceType,
			ResourceUUID:   payload.ResourceUUID,
			Reason:         protocol.CodeResourceNotOpen,
			ResourceStatus: resource.Status,
		})
		return
	}

	roomID := payload.ResourceType + ":" + payload.ResourceUUID
	var autoLock *protocol.AutoLockResult
	if payload.InitialSubResourceID != "" && g.cfg.EnableAutoLock {
		autoLock = &protocol.AutoLockResult{SubResourceID: payload.InitialSubResourceID}
	}

	g.joinRoomForResource(c, roomID, autoLock, payload.InitialSubResourceID)
}

// joinRoomForResource runs the shared join path, performing the auto-lock
// between roster admission and the room:joined reply.
func (g *Gateway) joinRoomForResource(c *transport.Client, roomID string, autoLock *protocol.AutoLockResult, initialSubResource string) bool {
	if autoLock == nil {
		return g.joinRoom(c, roomID, nil)
	}

	now := g.clock.Now()
	result, err := g.rooms.Join(roomID, rooms.Member{
		ConnectionID: c.ID,
		UserID:       c.UserID(),
		Username:     c.Username(),
	}, now)
	if err != nil {
		if fullErr, ok := err.(*rooms.RoomFullError); ok {
			c.Send(protocol.EventRoomJoinRejected, protocol.RoomJoinRejectedPayload{
				RoomID:       roomID,
				Reason:       protocol.CodeRoomFull,
				CurrentUsers: fullErr.Current,
				MaxUsers:     fullErr.Max,
			})
			return false
		}
		c.SendError(err, protocol.EventResourceJoin)
		return false
	}

	g.attemptAutoLock(c, roomID, initialSubResource, autoLock)

	c.Send(protocol.EventRoomJoined, protocol.RoomJoinedPayload{
		RoomID:       roomID,
		Users:        result.Members,
		CurrentUsers: result.Current,
		MaxUsers:     result.Max,
		AutoLock:     autoLock,
	})

	g.broadcastToRoom(roomID, protocol.EventUserJoined, protocol.UserJoinedPayload{
		RoomID:   roomID,
		UserID:   c.UserID(),
		Username: c.Username(),
		JoinedAt: now,
	}, c.ID)
	g.broadcastToRoom(roomID, protocol.EventPresenceUpdated, protocol.PresenceUpdatedPayload{
		RoomID:        roomID,
		Users:         result.Members,
		EventType:     protocol.PresenceEventUserJoined,
		TriggerUserID: c.UserID(),
		Timestamp:     now,
	}, c.ID)

	if result.CapacityWarning {
		g.broadcastToRoom(roomID, protocol.EventRoomCapacityWarning, protocol.RoomCapacityWarningPayload{
			RoomID:         roomID,
			CurrentUsers:   result.Current,
			MaxUsers:       result.Max,
			PercentageUsed: float64(result.Current) / float64(result.Max) * 100,
		})
	}
	return true
}

// attemptAutoLock tries the join-time lock, recording the outcome in
// result. Denials are advisory; the join itself never fails over them.
func (g *Gateway) attemptAutoLock(c *transport.Client, roomID, subResourceID string, result *protocol.AutoLockResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Auto-lock attempt panicked",
				zap.String("roomId", roomID), zap.Any("panic", r))
			result.Acquired = false
			result.DenialReason = protocol.CodeInternal
		}
	}()

	sub := subResourceID
	if _, err := g.rooms.SetCurrentSubResource(roomID, c.ID, &sub, g.clock.Now()); err != nil {
		result.Acquired = false
		result.DenialReason = protocol.CodeInternal
		return
	}

	lock, err := g.locks.Acquire(roomID, subResourceID, c.ID, c.UserID(), c.Username())
	if err != nil {
		var lockedErr *locks.AlreadyLockedError
		if errors.As(err, &lockedErr) {
			result.Acquired = false
			result.DenialReason = protocol.CodeAlreadyLocked
			result.LockedBy = &protocol.UserRef{
				UserID:   lockedErr.Holder.UserID,
				Username: lockedErr.Holder.Username,
			}
			return
		}
		result.Acquired = false
		result.DenialReason = protocol.CodeInternal
		return
	}

	result.Acquired = true
	result.LockedAt = &lock.LockedAt
	g.broadcastToRoom(roomID, protocol.EventSubResourceLocked, protocol.SubResourceLockedPayload{
		RoomID:        roomID,
		SubResourceID: subResourceID,
		UserID:        c.UserID(),
		Username:      c.Username(),
		LockedAt:      lock.LockedAt,
		ExpiresAt:     lock.ExpiresAt,
	}, c.ID)
}

func (g *Gateway) handleResourceLeave(c *transport.Client, frame protocol.Frame) {
	var payload protocol.ResourceLeavePayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed resource leave payload").WithCause(err), frame.Event)
		return
	}
	if payload.ResourceType == "" || payload.ResourceUUID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidRoomID, "resourceType and resourceUuid are required"), frame.Event)
		return
	}
	g.leaveRoom(c, payload.ResourceType+":"+payload.ResourceUUID)
}
