package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/ratelimit"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
)

// HandleFrame implements transport.FrameHandler. Every inbound frame runs
// the rate-limit gate, the auth guard and then its handler, under a panic
// shield so one bad frame cannot take the connection down unannounced.
func (g *Gateway) HandleFrame(ctx context.Context, c *transport.Client, frame protocol.Frame) {
	start := g.clock.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			logging.Error(ctx, "Handler panicked",
				zap.String("event", frame.Event),
				zap.String("connectionId", c.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			c.SendError(protocol.InternalError("An internal error occurred"), frame.Event)
		}
		metrics.WebsocketEvents.WithLabelValues(frame.Event, status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(frame.Event).Observe(g.clock.Since(start).Seconds())
	}()

	if !g.checkRateLimit(c, frame.Event) {
		status = "rate_limited"
		return
	}

	if c.User == nil {
		status = "unauthenticated"
		c.SendError(protocol.AuthorizationError(protocol.CodeUnauthenticated, "Connection is not authenticated"), frame.Event)
		return
	}

	switch frame.Event {
	case protocol.EventRoomJoin:
		g.handleRoomJoin(c, frame)
	case protocol.EventRoomLeave:
		g.handleRoomLeave(c, frame)
	case protocol.EventRoomQueryUsers:
		g.handleRoomQueryUsers(c, frame)
	case protocol.EventPresenceSetSubResource:
		g.handlePresenceSetSubResource(c, frame)
	case protocol.EventUserHeartbeat:
		g.handleHeartbeat(c, frame)

	case protocol.EventResourceJoin:
		g.handleResourceJoin(c, frame, protocol.EventResourceJoinRejected)
	case protocol.EventSurgeryJoin:
		g.handleResourceJoin(c, frame, protocol.EventSurgeryJoinRejected)
	case protocol.EventResourceLeave, protocol.EventSurgeryLeave:
		g.handleResourceLeave(c, frame)

	case protocol.EventSubResourceLock, protocol.EventSurgeryLockAcquire:
		g.handleLockAcquire(c, frame)
	case protocol.EventSubResourceUnlock, protocol.EventSurgeryLockRelease:
		g.handleLockRelease(c, frame)
	case protocol.EventLockExtend:
		g.handleLockExtend(c, frame)
	case protocol.EventForceRequest:
		g.handleForceRequest(c, frame)
	case protocol.EventForceResponse:
		g.handleForceResponse(c, frame)

	default:
		status = "unknown"
		c.SendError(protocol.ValidationError(protocol.CodeUnknownEvent, "Unknown event: "+frame.Event), frame.Event)
	}
}

// checkRateLimit applies the limiter decision, emitting penalty frames and
// scheduling disconnects where required. Returns false when the event must
// be dropped.
func (g *Gateway) checkRateLimit(c *transport.Client, event string) bool {
	decision := g.limiter.Check(c.ID, event)
	switch decision.Verdict {
	case ratelimit.VerdictAllow:
		return true

	case ratelimit.VerdictWarn, ratelimit.VerdictDropBanned:
		c.Send(protocol.EventRateLimitExceeded, rateLimitPayload(event, decision))
		return false

	case ratelimit.VerdictWarnDisconnect:
		c.Send(protocol.EventRateLimitExceeded, rateLimitPayload(event, decision))
		g.scheduleDisconnect(c)
		return false

	case ratelimit.VerdictBan:
		c.Send(protocol.EventConnectionBanned, protocol.ConnectionBannedPayload{
			Reason:     ratelimit.BanReasonAbuse,
			Duration:   ratelimit.BanDuration.Milliseconds(),
			ExpiresAt:  decision.BanExpiresAt,
			Violations: decision.Violations,
		})
		g.scheduleDisconnect(c)
		return false
	}
	return true
}

func rateLimitPayload(event string, decision ratelimit.Decision) protocol.RateLimitExceededPayload {
	return protocol.RateLimitExceededPayload{
		EventName:  event,
		Limit:      decision.Limit,
		Window:     decision.Window.Milliseconds(),
		RetryAfter: decision.RetryAfter.Milliseconds(),
		Violations: decision.Violations,
	}
}

// scheduleDisconnect drops the connection after a short delay so the
// penalty frame gets flushed first.
func (g *Gateway) scheduleDisconnect(c *transport.Client) {
	g.clock.AfterFunc(ratelimit.DisconnectDelay, c.Disconnect)
}
