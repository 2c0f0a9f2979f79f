package profiles_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	_ "github.com/vanguard-airsoft/vanguard/testing"
)

func newFeed(t *testing.T) *profiles.Feed {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return profiles.NewFeed(client, slog.Default())
}

func TestFeedDeliversFullRowToSubscriber(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	sub := feed.Subscribe(ctx, "sub-1")
	t.Cleanup(func() { _ = sub.Close() })

	// Subscription registration races the first publish; retry until the row
	// lands or the deadline hits.
	row := &profiles.Profile{Subject: "sub-1", Email: "one@vanguard.team", DisplayName: "One", Role: roles.RoleEditor}
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		feed.Publish(ctx, row)
		select {
		case got := <-sub.Updates():
			assert.Equal(t, "sub-1", got.Subject)
			assert.Equal(t, roles.RoleEditor, got.Role)
			assert.Equal(t, "One", got.DisplayName)
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("no update received")
		}
	}
}

func TestFeedIsKeyedPerSubject(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	subA := feed.Subscribe(ctx, "sub-a")
	t.Cleanup(func() { _ = subA.Close() })
	subB := feed.Subscribe(ctx, "sub-b")
	t.Cleanup(func() { _ = subB.Close() })

	rowB := &profiles.Profile{Subject: "sub-b", Email: "b@vanguard.team", Role: roles.RoleAdmin}
	var got profiles.Profile
	require.Eventually(t, func() bool {
		feed.Publish(ctx, rowB)
		select {
		case got = <-subB.Updates():
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "sub-b", got.Subject)

	select {
	case leaked := <-subA.Updates():
		t.Fatalf("subscription for sub-a received row for %s", leaked.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeedCloseIsIdempotentAndEndsUpdates(t *testing.T) {
	feed := newFeed(t)
	sub := feed.Subscribe(context.Background(), "sub-x")

	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("updates channel did not close")
	}
}

func TestFeedPublishSurvivesDeadBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	feed := profiles.NewFeed(client, slog.Default())

	mr.Close()

	// Best-effort: no panic, no error surfaced.
	feed.Publish(context.Background(), &profiles.Profile{Subject: "sub-dead"})
	feed.Publish(context.Background(), nil)
}
