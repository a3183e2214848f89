package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/lobby"
)

// Sink applies persistence events. The recorder implements it over the
// database.
type Sink interface {
	GetOrCreateUser(ctx context.Context, id, country string) (lobby.UserRecord, error)
	UserSeen(ctx context.Context, e UserEvent) error
	PreferencesSaved(ctx context.Context, e PreferencesEvent) error
	CallStarted(ctx context.Context, e CallEvent) error
	CallEnded(ctx context.Context, e CallEvent) error
	ReportCreated(ctx context.Context, e ReportEvent) error
}

// Consumer decodes events from the bus and hands them to a Sink.
type Consumer struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration
}

// NewConsumer creates a Consumer. Each event gets timeout to be applied.
func NewConsumer(sink Sink, timeout time.Duration, log *zap.Logger) *Consumer {
	return &Consumer{
		sink:    sink,
		log:     log.Named("consumer"),
		timeout: timeout,
	}
}

// Subscribe attaches the consumer to every persistence subject.
func (c *Consumer) Subscribe(client *Client) error {
	for _, subject := range []string{
		SubjectUserLookup,
		SubjectUserSeen,
		SubjectUserPreferences,
		SubjectCallStarted,
		SubjectCallEnded,
		SubjectReportCreated,
	} {
		subject := subject
		err := client.QueueSubscribe(subject, func(msg *nats.Msg) {
			reply := c.Handle(subject, msg.Data)
			if reply != nil && msg.Reply != "" {
				if err := msg.Respond(reply); err != nil {
					c.log.Warn("respond", zap.String("subject", subject), zap.Error(err))
				}
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Handle applies one message and returns the reply payload for
// request/reply subjects, nil otherwise.
func (c *Consumer) Handle(subject string, data []byte) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if subject == SubjectUserLookup {
		return c.lookup(ctx, data)
	}

	if err := c.apply(ctx, subject, data); err != nil {
		c.log.Warn("apply event", zap.String("subject", subject), zap.Error(err))
	}
	return nil
}

func (c *Consumer) lookup(ctx context.Context, data []byte) []byte {
	var reply LookupReply

	var req LookupRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		reply.Error = "invalid lookup request"
	} else if user, err := c.sink.GetOrCreateUser(ctx, req.ID, req.Country); err != nil {
		c.log.Warn("lookup user", zap.String("user", req.ID), zap.Error(err))
		reply.Error = "lookup failed"
	} else {
		reply.User = user
	}

	out, err := json.Marshal(reply)
	if err != nil {
		c.log.Error("marshal lookup reply", zap.Error(err))
		return []byte(`{"error":"internal"}`)
	}
	return out
}

func (c *Consumer) apply(ctx context.Context, subject string, data []byte) error {
	switch subject {
	case SubjectUserSeen:
		var e UserEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("events: decode %s: %w", subject, err)
		}
		return c.sink.UserSeen(ctx, e)
	case SubjectUserPreferences:
		var e PreferencesEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("events: decode %s: %w", subject, err)
		}
		return c.sink.PreferencesSaved(ctx, e)
	case SubjectCallStarted, SubjectCallEnded:
		var e CallEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("events: decode %s: %w", subject, err)
		}
		if subject == SubjectCallStarted {
			return c.sink.CallStarted(ctx, e)
		}
		return c.sink.CallEnded(ctx, e)
	case SubjectReportCreated:
		var e ReportEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("events: decode %s: %w", subject, err)
		}
		return c.sink.ReportCreated(ctx, e)
	default:
		return fmt.Errorf("events: unknown subject %q", subject)
	}
}
