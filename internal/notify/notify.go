// Package notify tells task manager instances sharing a store that work is
// available, so they can claim it before their next poll tick.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "taskpool.work"

// WorkAvailable is published when a task becomes runnable now.
type WorkAvailable struct {
	OwnerID  string    `json:"owner_id"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	RunAt    time.Time `json:"run_at"`
}

// Notifier publishes and receives work-available signals.
type Notifier interface {
	Publish(ctx context.Context, msg WorkAvailable) error
	Subscribe(handler func(WorkAvailable)) error
	Close()
}

// Client is a [Notifier] backed by a NATS connection.
type Client struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	sub     *nats.Subscription
}

// Connect dials NATS. The connection reconnects forever in the background.
func Connect(url, subject string, logger *slog.Logger) (*Client, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("taskpool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Client{nc: nc, subject: subject, logger: logger}, nil
}

// Publish sends msg on the configured subject.
func (c *Client) Publish(ctx context.Context, msg WorkAvailable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode work notification: %w", err)
	}
	if err := c.nc.Publish(c.subject, b); err != nil {
		return fmt.Errorf("publish work notification: %w", err)
	}
	return nil
}

// Subscribe delivers every decodable message on the subject to handler.
// Only one subscription is kept; calling Subscribe again replaces it.
func (c *Client) Subscribe(handler func(WorkAvailable)) error {
	sub, err := c.nc.Subscribe(c.subject, func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			c.logger.Warn("dropping malformed work notification", "subject", m.Subject, "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.sub = sub
	return nil
}

// Close drains the connection, delivering in-flight messages first.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Decode parses a notification payload.
func Decode(data []byte) (WorkAvailable, error) {
	var msg WorkAvailable
	if err := json.Unmarshal(data, &msg); err != nil {
		return WorkAvailable{}, fmt.Errorf("decode work notification: %w", err)
	}
	return msg, nil
}

// Nop is a [Notifier] that does nothing. It is used when NATS is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, WorkAvailable) error { return nil }
func (Nop) Subscribe(func(WorkAvailable)) error          { return nil }
func (Nop) Close()                                       {}
