package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisRelay_ForwardsPublished(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "contrata:test:" + time.Now().Format("150405.000000")
	sink := &recordingSink{}
	require.NoError(t, NewRelay(client, channel, sink).Run(ctx))

	d := NewDispatcher(NewRedisPublisher(client, channel))
	d.Success(ctx, "u_1", "Pagamento em garantia", "held", map[string]any{"escrowId": "esc_1"})

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sink.all()[0]
	assert.Equal(t, "u_1", got.UserID)
	assert.Equal(t, LevelSuccess, got.Level)
	assert.Equal(t, "esc_1", got.Data["escrowId"])
}
