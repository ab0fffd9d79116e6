package gateway

import (
	"errors"

	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
)

// bindLockRequest decodes and validates the shared lock payload, returning
// the derived room id.
func bindLockRequest(c *transport.Client, frame protocol.Frame) (protocol.LockRequestPayload, string, bool) {
	var payload protocol.LockRequestPayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed lock payload").WithCause(err), frame.Event)
		return payload, "", false
	}
	if payload.SubResourceID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidSubResource, "subResourceId must not be empty"), frame.Event)
		return payload, "", false
	}
	return payload, payload.ResourceType + ":" + payload.ResourceUUID, true
}

func (g *Gateway) handleLockAcquire(c *transport.Client, frame protocol.Frame) {
	payload, roomID, ok := bindLockRequest(c, frame)
	if !ok {
		return
	}
	if !g.rooms.IsMember(roomID, c.ID) {
		c.SendError(protocol.ValidationError(protocol.CodeUserNotInRoom, "Join the room before locking sub-resources"), frame.Event)
		return
	}

	lock, err := g.locks.Acquire(roomID, payload.SubResourceID, c.ID, c.UserID(), c.Username())
	if err != nil {
		var lockedErr *locks.AlreadyLockedError
		if errors.As(err, &lockedErr) {
			holder := lockedErr.Holder.HolderInfo()
			c.Send(protocol.EventLockDenied, protocol.LockDeniedPayload{
				RoomID:            roomID,
				SubResourceID:     payload.SubResourceID,
				Reason:            protocol.CodeAlreadyLocked,
				CurrentLockHolder: &holder,
			})
			return
		}
		c.SendError(err, frame.Event)
		return
	}

	c.Send(protocol.EventLockAcquired, protocol.LockAcquiredPayload{
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		LockedAt:      lock.LockedAt,
		ExpiresAt:     lock.ExpiresAt,
	})
	g.broadcastToRoom(roomID, protocol.EventSubResourceLocked, protocol.SubResourceLockedPayload{
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		UserID:        c.UserID(),
		Username:      c.Username(),
		LockedAt:      lock.LockedAt,
		ExpiresAt:     lock.ExpiresAt,
	}, c.ID)
}

func (g *Gateway) handleLockRelease(c *transport.Client, frame protocol.Frame) {
	payload, roomID, ok := bindLockRequest(c, frame)
	if !ok {
		return
	}

	lock, err := g.locks.Release(locks.Key(roomID, payload.SubResourceID), c.ID)
	if err != nil {
		c.SendError(err, frame.Event)
		return
	}

	c.Send(protocol.EventLockReleasedAck, protocol.LockReleasedAckPayload{
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
	})
	// The whole room, releaser included, sees the lease end.
	g.broadcastToRoom(roomID, protocol.EventSubResourceUnlocked, protocol.SubResourceUnlockedPayload{
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		Reason:        protocol.ReleaseReasonManual,
		UserID:        lock.UserID,
		Username:      lock.Username,
	})
}

func (g *Gateway) handleLockExtend(c *transport.Client, frame protocol.Frame) {
	payload, roomID, ok := bindLockRequest(c, frame)
	if !ok {
		return
	}

	lock, err := g.locks.Extend(locks.Key(roomID, payload.SubResourceID), c.ID)
	if err != nil {
		c.SendError(err, frame.Event)
		return
	}

	c.Send(protocol.EventLockExtended, protocol.LockExtendedPayload{
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		NewExpiresAt:  lock.ExpiresAt,
	})
}

func (g *Gateway) handleForceRequest(c *transport.Client, frame protocol.Frame) {
	var payload protocol.ForceRequestPayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed force request payload").WithCause(err), frame.Event)
		return
	}
	if payload.SubResourceID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidSubResource, "subResourceId must not be empty"), frame.Event)
		return
	}
	roomID := payload.ResourceType + ":" + payload.ResourceUUID

	req, holder, err := g.locks.CreateForceRequest(locks.Key(roomID, payload.SubResourceID),
		c.ID, c.UserID(), c.Username(), payload.Message)
	if err != nil {
		c.SendError(err, frame.Event)
		return
	}

	timeoutSeconds := int(g.cfg.ForceRequestTimeout.Seconds())
	g.sendToConnection(req.OwnerConn, protocol.EventForceRequestReceived, protocol.ForceRequestReceivedPayload{
		RequestID:     req.ID,
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		RequestedBy: protocol.UserRef{
			UserID:   c.UserID(),
			Username: c.Username(),
		},
		Message:        payload.Message,
		TimeoutSeconds: timeoutSeconds,
		ExpiresAt:      req.ExpiresAt,
	})
	c.Send(protocol.EventForceRequestPending, protocol.ForceRequestPendingPayload{
		RequestID:     req.ID,
		RoomID:        roomID,
		SubResourceID: payload.SubResourceID,
		LockedBy: protocol.UserRef{
			UserID:   holder.UserID,
			Username: holder.Username,
		},
		TimeoutSeconds: timeoutSeconds,
		ExpiresAt:      req.ExpiresAt,
	})
}

func (g *Gateway) handleForceResponse(c *transport.Client, frame protocol.Frame) {
	var payload protocol.ForceResponsePayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed force response payload").WithCause(err), frame.Event)
		return
	}
	if payload.RequestID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "requestId must not be empty"), frame.Event)
		return
	}

	result, err := g.locks.RespondForce(payload.RequestID, c.ID, payload.Approved)
	if err != nil {
		c.SendError(err, frame.Event)
		return
	}
	req := result.Request

	if !payload.Approved {
		g.sendToConnection(req.RequesterConn, protocol.EventForceRequestRejected, protocol.ForceRequestRejectedPayload{
			RequestID:     req.ID,
			RoomID:        req.RoomID,
			SubResourceID: req.SubResourceID,
			Reason:        protocol.ForceRejectedOwner,
			Message:       payload.Message,
		})
		return
	}

	// The room first sees the old lease end, then the new holder.
	g.broadcastToRoom(req.RoomID, protocol.EventSubResourceUnlocked, protocol.SubResourceUnlockedPayload{
		RoomID:        req.RoomID,
		SubResourceID: req.SubResourceID,
		Reason:        protocol.ReleaseReasonTimeout,
		UserID:        result.Released.UserID,
		Username:      result.Released.Username,
	})
	g.sendToConnection(req.RequesterConn, protocol.EventForceRequestApproved, protocol.ForceRequestApprovedPayload{
		RequestID:     req.ID,
		RoomID:        req.RoomID,
		SubResourceID: req.SubResourceID,
		ApprovedBy: protocol.UserRef{
			UserID:   result.Released.UserID,
			Username: result.Released.Username,
		},
		Message: payload.Message,
	})
	g.broadcastToRoom(req.RoomID, protocol.EventSubResourceLocked, protocol.SubResourceLockedPayload{
		RoomID:        req.RoomID,
		SubResourceID: req.SubResourceID,
		UserID:        result.Acquired.UserID,
		Username:      result.Acquired.Username,
		LockedAt:      result.Acquired.LockedAt,
		ExpiresAt:     result.Acquired.ExpiresAt,
	})
}
