// Package events carries resource.updated notifications from the REST
// side of the platform to the gateway's fan-out. Single-binary deployments
// use the in-process bus; multi-instance deployments bridge over Redis
// pub/sub.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
)

// ResourceUpdate is the bus payload describing one REST-driven mutation.
type ResourceUpdate struct {
	ResourceType         string         `json:"resourceType"`
	ResourceUUID         string         `json:"resourceUuid"`
	ResourceRevisionUUID string         `json:"resourceRevisionUuid"`
	UpdatedBy            string         `json:"updatedBy"`
	UpdatedByUserID      string         `json:"updatedByUserId"`
	Operation            string         `json:"operation"`
	SubResourceType      *string        `json:"subResourceType,omitempty"`
	SubResourceID        *string        `json:"subResourceId,omitempty"`
	Status               *string        `json:"status,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	ChangesSummary       map[string]any `json:"changesSummary,omitempty"`
}

// RoomID is the room the update fans out to.
func (u ResourceUpdate) RoomID() string {
	return u.ResourceType + ":" + u.ResourceUUID
}

// Handler consumes one update. Panics are caught by the bus and logged.
type Handler func(update ResourceUpdate)

// Bus is the resource.updated transport port.
type Bus interface {
	PublishResourceUpdated(ctx context.Context, update ResourceUpdate) error
	SubscribeResourceUpdated(ctx context.Context, handler Handler)
}

// InProcessBus delivers updates synchronously to in-process subscribers.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{}
}

func (b *InProcessBus) PublishResourceUpdated(_ context.Context, update ResourceUpdate) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		dispatch(handler, update)
	}
	return nil
}

func (b *InProcessBus) SubscribeResourceUpdated(_ context.Context, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// dispatch shields the bus from handler panics.
func dispatch(handler Handler, update ResourceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "resource.updated handler panicked",
				zap.Any("panic", r),
				zap.String("resourceUuid", update.ResourceUUID),
				zap.Stack("stack"))
		}
	}()
	handler(update)
}
