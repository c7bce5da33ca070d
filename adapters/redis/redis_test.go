package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisad "github.com/next-trace/scg-communication/adapters/redis"
	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// fakeLists keeps lists with index 0 as the left end.
type fakeLists struct {
	mu    sync.Mutex
	lists map[string][]string
	err   error
}

func newFake() *fakeLists { return &fakeLists{lists: map[string][]string{}} }

func (f *fakeLists) BLMove(ctx context.Context, src, dst, _, _ string, _ time.Duration) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	l := f.lists[src]
	if len(l) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}

	v := l[len(l)-1]
	f.lists[src] = l[:len(l)-1]
	f.lists[dst] = append([]string{v}, f.lists[dst]...)
	cmd.SetVal(v)

	return cmd
}

func (f *fakeLists) LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64

	out := f.lists[key][:0:0]
	for _, v := range f.lists[key] {
		if removed < count && v == value {
			removed++
			continue
		}

		out = append(out, v)
	}

	f.lists[key] = out
	cmd.SetVal(removed)

	return cmd
}

func (f *fakeLists) LPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}

	cmd.SetVal(int64(len(f.lists[key])))

	return cmd
}

func (f *fakeLists) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}

	cmd.SetVal(int64(len(f.lists[key])))

	return cmd
}

func (f *fakeLists) len(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.lists[key])
}

func (f *fakeLists) at(key string, i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lists[key][i]
}

func publish(t *testing.T, c redisad.Client, body, session string) {
	t.Helper()

	err := redisad.NewPublisher(c).Publish(t.Context(), comms.Envelope{
		Channel:   comms.QueueChannel("jobs"),
		Body:      []byte(body),
		MessageID: "m-" + body,
		SessionID: session,
	})
	require.NoError(t, err)
}

func TestPublishReceiveComplete(t *testing.T) {
	f := newFake()
	publish(t, f, "a", "s-1")
	publish(t, f, "b", "")

	src, err := redisad.NewSource(comms.QueueChannel("jobs"), f)
	require.NoError(t, err)

	m, err := src.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a", string(m.Body))
	assert.Equal(t, "m-a", m.MessageID)
	assert.Equal(t, "s-1", m.OrderingKey)
	assert.Equal(t, 1, m.DeliveryCount)
	assert.Equal(t, 1, f.len(redisad.ProcessingKey("jobs")))

	require.NoError(t, src.Complete(t.Context(), m))
	assert.Equal(t, 0, f.len(redisad.ProcessingKey("jobs")))
	assert.Equal(t, 1, f.len(redisad.QueueKey("jobs")))

	assert.Error(t, src.Complete(t.Context(), m), "second complete finds nothing")
}

func TestAbandonRequeuesAtHead(t *testing.T) {
	f := newFake()
	publish(t, f, "a", "")
	publish(t, f, "b", "")

	src, err := redisad.NewSource(comms.QueueChannel("jobs"), f)
	require.NoError(t, err)

	m, err := src.Receive(t.Context())
	require.NoError(t, err)
	require.NoError(t, src.Abandon(t.Context(), m))

	again, err := src.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a", string(again.Body))
	assert.Equal(t, 2, again.DeliveryCount)
	assert.NotEqual(t, m.DeliveryID, again.DeliveryID)
}

func TestDeadLetterRecordsReason(t *testing.T) {
	f := newFake()
	publish(t, f, "a", "")

	src, err := redisad.NewSource(comms.QueueChannel("jobs"), f)
	require.NoError(t, err)

	m, err := src.Receive(t.Context())
	require.NoError(t, err)
	require.NoError(t, src.DeadLetter(t.Context(), m, "poison"))

	assert.Equal(t, 0, f.len(redisad.ProcessingKey("jobs")))
	require.Equal(t, 1, f.len(redisad.DeadLetterKey("jobs")))

	var parked struct {
		Reason string `json:"dead_letter_reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.at(redisad.DeadLetterKey("jobs"), 0)), &parked))
	assert.Equal(t, "poison", parked.Reason)
}

func TestUndecodablePayloadIsParked(t *testing.T) {
	f := newFake()
	f.RPush(t.Context(), redisad.QueueKey("jobs"), "not-json")
	publish(t, f, "ok", "")

	src, err := redisad.NewSource(comms.QueueChannel("jobs"), f)
	require.NoError(t, err)

	m, err := src.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(m.Body))
	assert.Equal(t, 1, f.len(redisad.DeadLetterKey("jobs")))
}

func TestReceiveHonoursContextAndClose(t *testing.T) {
	f := newFake()

	src, err := redisad.NewSource(comms.QueueChannel("jobs"), f, redisad.WithBlockTimeout(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	released := 0
	src2, err := redisad.NewSource(comms.QueueChannel("jobs"), f, redisad.WithRelease(func() error { released++; return nil }))
	require.NoError(t, err)
	require.NoError(t, src2.Close())
	require.NoError(t, src2.Close())
	assert.Equal(t, 1, released)

	_, err = src2.Receive(t.Context())
	assert.ErrorIs(t, err, cerr.ErrSourceClosed)

	f.err = redis.ErrClosed
	_, err = src.Receive(t.Context())
	assert.ErrorIs(t, err, cerr.ErrSourceClosed)
}

func TestTopicsUnsupported(t *testing.T) {
	_, err := redisad.NewSource(comms.TopicChannel("events"), newFake())
	assert.ErrorIs(t, err, cerr.ErrUnsupportedChannel)

	err = redisad.NewPublisher(newFake()).Publish(t.Context(), comms.Envelope{Channel: comms.TopicChannel("events")})
	assert.ErrorIs(t, err, cerr.ErrUnsupportedChannel)

	_, err = redisad.NewSourceWithRedis(t.Context(), comms.TopicChannel("events"), redisad.Config{URL: "localhost:6379"})
	assert.ErrorIs(t, err, cerr.ErrUnsupportedChannel)
}

func TestConstructorValidation(t *testing.T) {
	_, err := redisad.NewSource(comms.QueueChannel("jobs"), nil)
	assert.ErrorIs(t, err, cerr.ErrConfiguration)

	_, _, err = redisad.NewPublisherWithRedis(t.Context(), redisad.Config{})
	assert.ErrorIs(t, err, cerr.ErrConnectFailed)

	err = redisad.NewPublisher(nil).Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("jobs")})
	assert.ErrorIs(t, err, cerr.ErrSendFailed)

	f := newFake()
	f.err = errors.New("unused")
	err = redisad.NewPublisher(f).Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("")})
	assert.ErrorIs(t, err, cerr.ErrInvalidChannel)
}
