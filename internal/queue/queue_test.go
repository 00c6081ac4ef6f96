package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/chain"
)

func TestScoreOrdersByBlockThenLogIndex(t *testing.T) {
	a := chain.Event{BlockNumber: 100, LogIndex: 99_999}
	b := chain.Event{BlockNumber: 101, LogIndex: 0}
	c := chain.Event{BlockNumber: 101, LogIndex: 1}

	assert.Less(t, Score(a), Score(b))
	assert.Less(t, Score(b), Score(c))
	assert.Equal(t, float64(10_100_001), Score(c))
}

func newTestClient(t *testing.T) (*Client, string) {
	// Skip unless explicitly enabled
	if os.Getenv("RUN_REDIS_TESTS") != "true" {
		t.Skip("Skipping redis queue test. Set RUN_REDIS_TESTS=true to enable.")
	}

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}

	client, err := NewClient(url, zerolog.Nop())
	require.NoError(t, err)

	stream := "test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		client.Redis().Del(ctx, eventsKey(stream))
		client.Redis().HDel(ctx, progressKey, stream)
		client.Redis().HDel(ctx, inFlightKey, stream)
		client.Close()
	})
	return client, stream
}

func TestPushRejectsOutOfRangeLogIndex(t *testing.T) {
	c := &Client{logger: zerolog.Nop()}
	err := c.PushEvent(context.Background(), "events", chain.Event{LogIndex: 100_000})
	assert.ErrorIs(t, err, chain.ErrBadParam)
}

func TestQueueRoundTrip(t *testing.T) {
	client, stream := newTestClient(t)
	ctx := context.Background()

	later := chain.Event{Type: "Deposit", TxHash: "0xb", BlockNumber: 11, LogIndex: 0, Params: []string{"0x1", "5"}}
	earlier := chain.Event{Type: "Borrow", TxHash: "0xa", BlockNumber: 10, LogIndex: 4, Params: []string{"0x2", "7"}}
	require.NoError(t, client.PushEvent(ctx, stream, later))
	require.NoError(t, client.PushEvent(ctx, stream, earlier))

	length, err := client.GetQueueLength(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	ev, err := client.PopEvent(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, earlier, *ev)

	require.NoError(t, client.Ack(ctx, stream, *ev))
	progress, err := client.GetProgress(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, earlier.ID(), progress.EventID)
	assert.Equal(t, int64(10), progress.BlockNumber)

	ev, err = client.PopEvent(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, later.ID(), ev.ID())

	ev, err = client.PopEvent(ctx, stream)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestRecoverInFlight(t *testing.T) {
	client, stream := newTestClient(t)
	ctx := context.Background()

	ev := chain.Event{Type: "Repay", TxHash: "0xc", BlockNumber: 12, LogIndex: 1}
	require.NoError(t, client.PushEvent(ctx, stream, ev))

	popped, err := client.PopEvent(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, popped)

	recovered, err := client.RecoverInFlight(ctx, stream)
	require.NoError(t, err)
	assert.True(t, recovered)

	length, err := client.GetQueueLength(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	recovered, err = client.RecoverInFlight(ctx, stream)
	require.NoError(t, err)
	assert.False(t, recovered)
}
