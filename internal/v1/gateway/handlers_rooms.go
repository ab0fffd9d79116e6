package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
)

func (g *Gateway) handleRoomJoin(c *transport.Client, frame protocol.Frame) {
	var payload protocol.RoomJoinPayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed room:join payload").WithCause(err), frame.Event)
		return
	}
	if payload.RoomID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidRoomID, "roomId must not be empty"), frame.Event)
		return
	}
	g.joinRoom(c, payload.RoomID, nil)
}

// joinRoom is the shared join path for room:join and the validated
// resource:join. autoLock, when set, rides on the room:joined reply.
func (g *Gateway) joinRoom(c *transport.Client, roomID string, autoLock *protocol.AutoLockResult) bool {
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
		c.SendError(err, protocol.EventRoomJoin)
		return false
	}

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

	logging.Info(context.Background(), "User joined room",
		zap.String("roomId", roomID),
		zap.String("userId", c.UserID()),
		zap.Int("currentUsers", result.Current))
	return true
}

func (g *Gateway) handleRoomLeave(c *transport.Client, frame protocol.Frame) {
	var payload protocol.RoomLeavePayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed room:leave payload").WithCause(err), frame.Event)
		return
	}
	if payload.RoomID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidRoomID, "roomId must not be empty"), frame.Event)
		return
	}
	g.leaveRoom(c, payload.RoomID)
}

func (g *Gateway) leaveRoom(c *transport.Client, roomID string) {
	result := g.rooms.Leave(roomID, c.ID)
	if !result.WasMember {
		c.Send(protocol.EventRoomLeft, protocol.RoomLeftPayload{
			RoomID:  roomID,
			Message: "You were not in room " + roomID,
		})
		return
	}

	c.Send(protocol.EventRoomLeft, protocol.RoomLeftPayload{RoomID: roomID})

	g.sendToMembers(result.Remaining, protocol.EventUserLeft, protocol.UserLeftPayload{
		RoomID:   roomID,
		UserID:   c.UserID(),
		Username: c.Username(),
		Reason:   protocol.ReleaseReasonManual,
	})
	g.sendToMembers(result.Remaining, protocol.EventPresenceUpdated, protocol.PresenceUpdatedPayload{
		RoomID:        roomID,
		Users:         result.Remaining,
		EventType:     protocol.PresenceEventUserLeft,
		TriggerUserID: c.UserID(),
		Timestamp:     g.clock.Now(),
	})
}

func (g *Gateway) handleRoomQueryUsers(c *transport.Client, frame protocol.Frame) {
	var payload protocol.RoomQueryUsersPayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed room:query_users payload").WithCause(err), frame.Event)
		return
	}
	if payload.RoomID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidRoomID, "roomId must not be empty"), frame.Event)
		return
	}

	c.Send(protocol.EventRoomUsers, protocol.RoomUsersPayload{
		RoomID:   payload.RoomID,
		Users:    g.rooms.Members(payload.RoomID),
		Capacity: g.rooms.Capacity(payload.RoomID),
	})
}

func (g *Gateway) handlePresenceSetSubResource(c *transport.Client, frame protocol.Frame) {
	var payload protocol.SetCurrentSubResourcePayload
	if err := frame.Bind(&payload); err != nil {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidPayload, "Malformed presence payload").WithCause(err), frame.Event)
		return
	}
	if payload.RoomID == "" {
		c.SendError(protocol.ValidationError(protocol.CodeInvalidRoomID, "roomId must not be empty"), frame.Event)
		return
	}

	roster, err := g.rooms.SetCurrentSubResource(payload.RoomID, c.ID, payload.SubResourceType, g.clock.Now())
	if err != nil {
		c.SendError(err, frame.Event)
		return
	}

	// The sender sees the change too.
	g.broadcastToRoom(payload.RoomID, protocol.EventPresenceUpdated, protocol.PresenceUpdatedPayload{
		RoomID:        payload.RoomID,
		Users:         roster,
		EventType:     protocol.PresenceEventSubResourceChanged,
		TriggerUserID: c.UserID(),
		Timestamp:     g.clock.Now(),
	})
}

// handleHeartbeat updates activity across the connection's rooms. No
// response frame; failures only log.
func (g *Gateway) handleHeartbeat(c *transport.Client, frame protocol.Frame) {
	var payload protocol.HeartbeatPayload
	if err := frame.Bind(&payload); err != nil {
		logging.Warn(context.Background(), "Malformed heartbeat payload",
			zap.String("connectionId", c.ID), zap.Error(err))
		return
	}

	at := g.clock.Now()
	if payload.LastActivity != nil {
		at = *payload.LastActivity
	}
	g.rooms.Heartbeat(c.ID, at)
}
