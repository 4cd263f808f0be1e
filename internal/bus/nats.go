// Package bus publishes job events over NATS and lets other processes follow them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	changedSuffix = "changed"
	noticeSuffix  = "notice"
)

// ChangedSubject is where job state changes are published under prefix.
func ChangedSubject(prefix string) string { return prefix + "." + changedSuffix }

// NoticeSubject is where user notices are published under prefix.
func NoticeSubject(prefix string) string { return prefix + "." + noticeSuffix }

// AllSubjects matches every event published under prefix.
func AllSubjects(prefix string) string { return prefix + ".>" }

// IsNotice reports whether subject carries notices rather than job changes.
func IsNotice(subject string) bool { return strings.HasSuffix(subject, "."+noticeSuffix) }

// Publisher sends JSON payloads to a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Client struct{ nc *nats.Conn }

func Connect(url, name string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return c.nc.Publish(subject, b)
}

// SubscribeJSON delivers each message's subject and raw payload to handler.
func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, subject string, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Subject, msg.Data)
	})
}
