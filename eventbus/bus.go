// Package eventbus implements the pool-wide event bus and error bus: every
// Transport's local events are tagged with a connection_id and forwarded
// here, where pool-level subscribers (and the facade's sanity layer) can
// observe them without reaching into individual transports.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names. This is a closed set; Transport and Pool never emit a name
// outside this list.
const (
	Connect                      = "connect"
	Send                         = "send"
	Message                      = "message"
	Close                        = "close"
	ConnectionClosed             = "connection_closed"
	Reconnecting                 = "reconnecting"
	Reconnected                  = "reconnected"
	ReconnectFailed              = "reconnect_failed"
	ReconnectMaxRetriesExceeded  = "reconnect_max_retries_exceeded"
	ErrorEvent                   = "error"
	UnmatchedResponse            = "unmatched_response"
	ForgetSubscription           = "forget_subscription"
)

// errorEventNames is the subset of event names forwarded to the error bus,
// per spec §4.C.
var errorEventNames = map[string]bool{
	ErrorEvent:                  true,
	ConnectionClosed:            true,
	ReconnectFailed:             true,
	ReconnectMaxRetriesExceeded: true,
}

// Event is the tagged record carried on the bus: {name, connection_id,
// payload}. Additional keys live in Payload (e.g. "data" for
// message/send, "error" for error/connection_closed/reconnect_failed,
// "attempt" for reconnecting/reconnect_failed, "subscription_id" for
// forget_subscription).
type Event struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ConnectionID int            `json:"connection_id"`
	Payload      map[string]any `json:"payload,omitempty"`
}

const (
	topicAll    = "derivrt.events"
	topicErrors = "derivrt.errors"
)

// Bus is the pool-wide multicast of Events. Subscribers must not block
// inside their read loop. Transports call Publish directly, including
// from their receive loops; Publish does not wait for subscribers
// (BlockPublishUntilSubscriberAck is false, and gochannel hands each
// message to subscribers on its own goroutines), so a blocked subscriber
// delays its own deliveries rather than the connections.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

// New constructs a pool-wide event/error bus backed by an in-memory
// watermill gochannel pub/sub.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            256,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
			},
			watermillLoggerAdapter{log: log},
		),
		log: log,
	}
}

// Publish emits an event onto the all-events topic, and additionally onto
// the error topic when its name is in the error subset.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Str("event", evt.Name).Msg("eventbus: failed to marshal event")
		return
	}
	msg := message.NewMessage(evt.ID, payload)

	if err := b.pubsub.Publish(topicAll, msg); err != nil {
		b.log.Error().Err(err).Msg("eventbus: publish to events topic failed")
	}
	if errorEventNames[evt.Name] {
		errMsg := message.NewMessage(watermill.NewUUID(), payload)
		if err := b.pubsub.Publish(topicErrors, errMsg); err != nil {
			b.log.Error().Err(err).Msg("eventbus: publish to errors topic failed")
		}
	}
}

// Subscribe returns a channel of every event published to the bus. The
// returned channel is closed when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	return b.subscribeTopic(ctx, topicAll)
}

// SubscribeErrors returns a channel of only the error-bus subset:
// error, connection_closed, reconnect_failed, reconnect_max_retries_exceeded.
func (b *Bus) SubscribeErrors(ctx context.Context) (<-chan Event, error) {
	return b.subscribeTopic(ctx, topicErrors)
}

func (b *Bus) subscribeTopic(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for msg := range msgs {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the underlying pub/sub, closing every subscriber
// channel returned by Subscribe/SubscribeErrors.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLoggerAdapter routes watermill's internal diagnostic logging
// through zerolog instead of watermill's own stdlib-logger implementation,
// matching the rest of the module's logging conventions.
type watermillLoggerAdapter struct {
	log zerolog.Logger
}

func (a watermillLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (a watermillLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (a watermillLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a watermillLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (a watermillLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLoggerAdapter{log: a.log.With().Fields(map[string]any(fields)).Logger()}
}
