// Package natsbus implements the message bus port on NATS JetStream, for
// deployments where terminals run on more than one host and a shared
// directory is not available.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"swarmgate/internal/domain/message"
)

const streamName = "SWARMGATE"

// pollBatch bounds how many messages one Poll call drains per inbox.
const pollBatch = 64

// Bus implements messagebus.Bus using one JetStream stream with a subject
// per terminal inbox plus a shared broadcast subject. Durable pull
// consumers give each terminal its own delivery cursor; explicit acks after
// the fetch returns preserve at-least-once semantics across restarts.
type Bus struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	retention time.Duration
}

// Connect establishes a connection to NATS and ensures the bus stream exists.
func Connect(ctx context.Context, url string, retention time.Duration) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"terminals.>"},
		MaxAge:   retention,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats bus connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, retention: retention}, nil
}

func inboxSubject(terminalID string) string {
	return "terminals." + terminalID + ".inbox"
}

const broadcastSubject = "terminals.broadcast"

// Send publishes the message to the recipient's inbox subject, or to the
// broadcast subject when addressed to everyone.
func (b *Bus) Send(ctx context.Context, msg *message.Message) error {
	if msg.To == "" {
		return errors.New("natsbus: message recipient is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("natsbus: marshal message: %w", err)
	}

	subject := inboxSubject(msg.To)
	if msg.IsBroadcast() {
		subject = broadcastSubject
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	return nil
}

// Poll drains up to pollBatch pending messages from the terminal's direct
// inbox and the broadcast subject. Messages are acked after decoding, so a
// consumer that dies mid-poll sees them again.
func (b *Bus) Poll(ctx context.Context, terminalID string) ([]message.Message, error) {
	if terminalID == "" {
		return nil, errors.New("natsbus: terminal id is required")
	}

	direct, err := b.drain(ctx, terminalID, "inbox-"+terminalID, inboxSubject(terminalID))
	if err != nil {
		return nil, err
	}
	casts, err := b.drain(ctx, terminalID, "cast-"+terminalID, broadcastSubject)
	if err != nil {
		return nil, err
	}

	out := append(direct, casts...)
	message.Sort(out)
	return out, nil
}

func (b *Bus) drain(ctx context.Context, terminalID, durable, subject string) ([]message.Message, error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: consumer %s: %w", durable, err)
	}

	batch, err := consumer.FetchNoWait(pollBatch)
	if err != nil {
		return nil, fmt.Errorf("natsbus: fetch %s: %w", durable, err)
	}

	var out []message.Message
	for raw := range batch.Messages() {
		var m message.Message
		if err := json.Unmarshal(raw.Data(), &m); err != nil {
			slog.Warn("dropping undecodable bus message", "subject", subject, "error", err)
			_ = raw.Term()
			continue
		}
		m.DeliveredTo = append(m.DeliveredTo, terminalID)
		out = append(out, m)
		if err := raw.Ack(); err != nil {
			slog.Error("nats ack failed", "subject", subject, "error", err)
		}
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("natsbus: fetch %s: %w", durable, err)
	}
	return out, nil
}

// Compact is a no-op: the stream's MaxAge already expires old broadcasts
// and acked messages carry no replay cost for their consumer.
func (b *Bus) Compact(context.Context, []string) error {
	return nil
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}
