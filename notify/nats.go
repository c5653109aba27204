/*
Package notify fans engine events out over NATS.

PURPOSE:
  Implements engine.Publisher. Each event becomes one core NATS message on
  "<prefix>.<event type>", e.g. "rankd.events.rank.changed", with a JSON
  body and headers carrying the event type and a unique message id.
  Dashboards and chat bots subscribe to the subjects they care about.

DELIVERY:
  Core NATS, at-most-once. The engine logs publish failures and carries
  on; a missed notification never rolls back a rank change.

SEE ALSO:
  - engine/events.go: Event and Publisher
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/ksuid"
	"github.com/warp/rank-engine/engine"
	"go.uber.org/zap"
)

// Header names set on every message.
const (
	HeaderEventType = "Rankd-Event-Type"
	HeaderMsgID     = nats.MsgIdHdr
)

// msgPublisher is the part of *nats.Conn the publisher needs.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type NatsPublisher struct {
	conn   msgPublisher
	prefix string
	logger *zap.Logger
	close  func()
}

var _ engine.Publisher = (*NatsPublisher)(nil)

// Connect dials url and returns a publisher writing under prefix.
func Connect(url, prefix string, logger *zap.Logger) (*NatsPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url missing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("rankd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := newPublisher(nc, prefix, logger)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string, logger *zap.Logger) *NatsPublisher {
	if prefix == "" {
		prefix = "rankd.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NatsPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Publish sends e. The context is checked before sending; core NATS
// publishes do not block on the server.
func (p *NatsPublisher) Publish(ctx context.Context, e engine.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := NewMessage(p.prefix, e)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug("event published",
		zap.String("subject", msg.Subject),
		zap.String("member_id", string(e.MemberID)),
	)
	return nil
}

// Close drains the connection.
func (p *NatsPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// Subject returns the subject an event of type t is published on.
func Subject(prefix string, t engine.EventType) string {
	return prefix + "." + string(t)
}

// NewMessage encodes e as a NATS message under prefix.
func NewMessage(prefix string, e engine.Event) (*nats.Msg, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(Subject(prefix, e.Type))
	msg.Data = body
	msg.Header.Add(HeaderEventType, string(e.Type))
	msg.Header.Add(HeaderMsgID, ksuid.New().String())
	return msg, nil
}
