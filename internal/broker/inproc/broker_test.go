package inproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/broker"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"#", "a", true},
		{"#", "a.b.c", true},
		{"*", "a", true},
		{"*", "a.b", false},
		{"a.*", "a.b", true},
		{"a.#", "a", true},
		{"a.#.c", "a.b.b.c", true},
		{"missions.generic", "missions.generic", true},
		{"missions.generic", "missions.other", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key), "%s ~ %s", tc.pattern, tc.key)
	}
}

func TestPublishRoutesToBoundQueues(t *testing.T) {
	b := New(4)
	c, err := b.Dial(context.Background(), broker.Endpoint{})
	require.NoError(t, err)
	defer c.Close()
	ch, err := c.Channel()
	require.NoError(t, err)

	require.NoError(t, ch.ExchangeDeclare("reports", broker.ExchangeTopic, false))
	require.NoError(t, ch.ExchangeDeclare("reports", broker.ExchangeTopic, false))
	err = ch.ExchangeDeclare("reports", broker.ExchangeTopic, true)
	require.ErrorIs(t, err, broker.ErrPreconditionFailed)

	q, err := ch.QueueDeclare("", false, true)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q, "m1", "reports"))
	require.NoError(t, ch.QueueBind(q, "m1", "reports"))
	assert.Len(t, b.Bindings("reports"), 1)

	require.NoError(t, ch.Publish(context.Background(), "reports", "m1", []byte("a")))
	require.NoError(t, ch.Publish(context.Background(), "reports", "m2", []byte("b")))
	assert.Equal(t, 1, b.Depth(q))

	deliveries, err := ch.Consume(q, "tag", 0)
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		assert.Equal(t, "m1", d.RoutingKey)
		assert.Equal(t, []byte("a"), d.Body)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	require.NoError(t, ch.Cancel("tag"))

	err = ch.Publish(context.Background(), "missing", "m1", nil)
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestKillDropsExclusiveQueues(t *testing.T) {
	b := New(0)
	c, err := b.Dial(context.Background(), broker.Endpoint{})
	require.NoError(t, err)
	closed := c.NotifyClose()
	ch, err := c.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare("reports", broker.ExchangeTopic, false))
	q, err := ch.QueueDeclare("", false, true)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q, "#", "reports"))

	b.Kill()

	assert.ErrorIs(t, <-closed, ErrConnectionLost)
	assert.True(t, c.IsClosed())
	assert.Empty(t, b.Bindings("reports"))
	_, err = c.Channel()
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.ErrorIs(t, ch.ExchangeDeclare("x", broker.ExchangeTopic, false), broker.ErrClosed)
}

func TestFailDials(t *testing.T) {
	b := New(0)
	boom := errors.New("refused")
	b.FailDials(boom)

	_, err := b.Dial(context.Background(), broker.Endpoint{})
	assert.ErrorIs(t, err, boom)
	c, err := b.Dial(context.Background(), broker.Endpoint{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, 2, b.Dials())
}
