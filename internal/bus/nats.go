package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultNatsPrefix = "famchat"

// NatsBus is a Bus over core NATS subjects. Reconnects are handled by the
// nats client itself.
type NatsBus struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

func DialNats(url, name string, log *zap.Logger, onStatus StatusFunc) (*NatsBus, error) {
	if onStatus == nil {
		onStatus = func(bool) {}
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			onStatus(false)
			log.Warn("nats disconnected, events from other processes are not delivered until reconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			onStatus(true)
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	onStatus(true)

	return &NatsBus{conn: nc, prefix: defaultNatsPrefix, log: log}, nil
}

func natsSubject(prefix string, t Topic) string {
	switch t.Kind {
	case TopicFamilyPresence:
		return fmt.Sprintf("%s.presence.family.%d", prefix, t.FamilyId)
	default:
		return prefix + ".chat"
	}
}

func natsFamilyWildcard(prefix string) string {
	return prefix + ".presence.family.*"
}

func (b *NatsBus) Publish(_ context.Context, topic Topic, payload []byte) error {
	if err := b.conn.Publish(natsSubject(b.prefix, topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}

	return nil
}

func (b *NatsBus) Run(ctx context.Context, h Handler) error {
	subjects := []string{
		natsSubject(b.prefix, ChatTopic()),
		natsFamilyWildcard(b.prefix),
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for _, subj := range subjects {
		sub, err := b.conn.Subscribe(subj, func(m *nats.Msg) {
			h(ctx, m.Data)
		})
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", subj, err)
		}
		subs = append(subs, sub)
	}
	b.log.Info("bus subscribed", zap.Strings("subjects", subjects))

	<-ctx.Done()
	return nil
}

func (b *NatsBus) Close() error {
	return b.conn.Drain()
}
