package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
)

// RedisPublisher is the subset of the go-redis client used by the relay.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisRelay mirrors every bus event onto Redis channels named
// prefix+topic so that processes outside this one can observe them. It is a
// plain subscriber and inherits the bus delivery guarantees.
type RedisRelay struct {
	bus    *Bus
	client RedisPublisher
	prefix string
	logger *infra.Logger
}

// NewRedisRelay constructs a relay. A nil logger discards output.
func NewRedisRelay(bus *Bus, client RedisPublisher, prefix string, logger *infra.Logger) *RedisRelay {
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &RedisRelay{bus: bus, client: client, prefix: prefix, logger: logger}
}

// Channel returns the Redis channel used for topic.
func (r *RedisRelay) Channel(topic domain.Topic) string {
	return r.prefix + string(topic)
}

// Run forwards events until ctx is cancelled or the bus stops. A subscription
// dropped for falling behind is replaced; the missed events are lost.
func (r *RedisRelay) Run(ctx context.Context) error {
	merged := make(chan domain.Event)
	ended := make(chan domain.Topic, len(domain.Topics))
	subs := make(map[domain.Topic]*Subscription, len(domain.Topics))
	stop := make(chan struct{})
	defer close(stop)

	pump := func(sub *Subscription) {
		for ev := range sub.C() {
			select {
			case merged <- ev:
			case <-stop:
				return
			}
		}
		select {
		case ended <- sub.Topic():
		case <-stop:
		}
	}

	for _, topic := range domain.Topics {
		sub := r.bus.Subscribe(topic, nil)
		subs[topic] = sub
		go pump(sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-merged:
			if err := r.forward(ctx, ev); err != nil {
				r.logger.Warn().Err(err).
					Str("topic", string(ev.Topic)).
					Str("entity_id", ev.EntityID).
					Msg("eventbus: redis relay publish failed")
			}
		case topic := <-ended:
			if r.bus.stopped.Load() {
				return nil
			}
			old := subs[topic]
			if old != nil && old.Dropped() {
				r.logger.Warn().Str("topic", string(topic)).Msg("eventbus: redis relay resubscribing")
			}
			sub := r.bus.Subscribe(topic, nil)
			subs[topic] = sub
			go pump(sub)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, ev domain.Event) error {
	if r.client == nil {
		return errors.New("redis client not configured")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.Channel(ev.Topic), payload).Err()
}
