package market

import (
	"go.uber.org/zap"

	"github.com/chainboard/marketcache/internal/realtime"
	"github.com/chainboard/marketcache/pkg/logger"
)

// Publisher fans out "data changed" events to listening clients. Publishing
// is best-effort: it never blocks the caller and failures are logged, not
// propagated.
type Publisher interface {
	Publish(stream, event string, payload any)
}

// StreamPrefix namespaces realtime streams carrying cache updates.
const StreamPrefix = "market:"

// NewHubPublisher wraps a realtime hub as a fire-and-forget publisher.
func NewHubPublisher(hub *realtime.Hub) Publisher {
	if hub == nil {
		return NopPublisher{}
	}
	return &hubPublisher{
		hub: hub,
		log: logger.WithModule("market.publisher"),
	}
}

type hubPublisher struct {
	hub *realtime.Hub
	log *zap.Logger
}

func (p *hubPublisher) Publish(stream, event string, payload any) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Warn("broadcast panicked", zap.String("stream", stream), zap.Any("error", r))
			}
		}()

		p.hub.Broadcast(StreamPrefix+stream, realtime.Message{
			Event: event,
			Data:  payload,
		})
	}()
}

// NopPublisher discards all events. Used when broadcasting is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, string, any) {}
