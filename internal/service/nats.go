package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject catalog events are mirrored on.
const DefaultSubject = "cropwater.events"

// NATSMirror relays catalog events between the local bus and NATS so that
// every instance flushes its cache when any instance changes the catalog.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
	origin  string
	log     *zap.Logger
}

// ConnectNATS connects to the NATS server at url.
func ConnectNATS(url, subject string, log *zap.Logger) (*NATSMirror, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("plat-cropwater"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSMirror{conn: conn, subject: subject, origin: uuid.NewString(), log: log}, nil
}

// Run relays events until ctx is done. Local catalog events are published
// to NATS; remote events are republished on bus.
func (m *NATSMirror) Run(ctx context.Context, bus *EventBus) error {
	sub, err := m.conn.Subscribe(m.subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			m.log.Warn("dropping malformed nats event", zap.Error(err))
			return
		}
		if ev.Origin == m.origin {
			return
		}
		bus.Publish(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.subject, err)
	}
	defer sub.Unsubscribe()

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			if !ev.Catalog() || ev.Origin != "" {
				continue
			}
			ev.Origin = m.origin
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := m.conn.Publish(m.subject, data); err != nil {
				m.log.Warn("nats publish failed", zap.Error(err))
			}
		}
	}
}

// Close drains the connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}
