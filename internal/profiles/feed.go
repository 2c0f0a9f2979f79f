package profiles

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Feed publishes and delivers full-row profile snapshots over Redis pub/sub.
// Channels are keyed per subject so subscribers only receive their own rows.
type Feed struct {
	client *redis.Client
	logger *slog.Logger
}

// NewFeed constructs a change feed on the given Redis client.
func NewFeed(client *redis.Client, logger *slog.Logger) *Feed {
	return &Feed{client: client, logger: logger}
}

func channelFor(subject string) string {
	return "profile:" + subject
}

// Publish pushes the full row to the subject's channel. Publishing is
// best-effort: a failure is logged, never propagated, because the durable
// write already happened.
func (f *Feed) Publish(ctx context.Context, p *Profile) {
	if f == nil || p == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		if f.logger != nil {
			f.logger.Error("feed marshal profile", slog.Any("error", err))
		}
		return
	}
	if err := f.client.Publish(ctx, channelFor(p.Subject), data).Err(); err != nil {
		if f.logger != nil {
			f.logger.Warn("feed publish", slog.String("subject", p.Subject), slog.Any("error", err))
		}
	}
}

// Subscription is a live change-feed subscription for a single subject.
// Close must be called when the subject's session ends.
type Subscription struct {
	pubsub  *redis.PubSub
	ch      chan Profile
	done    chan struct{}
	closeFn sync.Once
}

// Subscribe opens a subscription filtered to one subject. Updates are decoded
// full-row snapshots; malformed payloads are dropped.
func (f *Feed) Subscribe(ctx context.Context, subject string) *Subscription {
	pubsub := f.client.Subscribe(ctx, channelFor(subject))
	sub := &Subscription{
		pubsub: pubsub,
		ch:     make(chan Profile, 8),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var p Profile
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					if f.logger != nil {
						f.logger.Warn("feed decode", slog.String("subject", subject), slog.Any("error", err))
					}
					continue
				}
				select {
				case sub.ch <- p:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub
}

// Updates delivers pushed rows until the subscription closes.
func (s *Subscription) Updates() <-chan Profile {
	return s.ch
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeFn.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
