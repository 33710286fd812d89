package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/testutils"
)

// fakeRecorder 記錄每一次 Record 呼叫
type fakeRecorder struct {
	mu     sync.Mutex
	clicks map[int64]int64
	err    error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{clicks: make(map[int64]int64)}
}

func (r *fakeRecorder) Record(_ context.Context, linkID int64, delta int64, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.clicks[linkID] += delta
	return nil
}

func (r *fakeRecorder) count(linkID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clicks[linkID]
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

	data, err := Encode(ClickEvent{LinkID: 42, At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"link_id":42,"at":"2026-03-01T12:00:00.123456Z"}`, string(data))

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.LinkID)
	assert.True(t, at.Equal(ev.At))
}

func TestEncode_RejectsInvalidLink(t *testing.T) {
	_, err := Encode(ClickEvent{LinkID: 0, At: time.Now()})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `clicked`},
		{"missing link", `{"at":"2026-03-01T12:00:00Z"}`},
		{"negative link", `{"link_id":-1,"at":"2026-03-01T12:00:00Z"}`},
		{"missing time", `{"link_id":7}`},
		{"wrong type", `{"link_id":"7","at":"2026-03-01T12:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestConsumer_Handle(t *testing.T) {
	valid, err := Encode(ClickEvent{LinkID: 9, At: time.Now()})
	require.NoError(t, err)

	t.Run("records and acks", func(t *testing.T) {
		rec := newFakeRecorder()
		c := &Consumer{rec: rec, timeout: time.Second, logger: slog.New(slog.DiscardHandler)}

		assert.Equal(t, ackDone, c.handle(valid))
		assert.Equal(t, int64(1), rec.count(9))
	})

	t.Run("malformed is terminated", func(t *testing.T) {
		rec := newFakeRecorder()
		c := &Consumer{rec: rec, timeout: time.Second, logger: slog.New(slog.DiscardHandler)}

		assert.Equal(t, ackDrop, c.handle([]byte(`{}`)))
		assert.Zero(t, rec.count(9))
	})

	t.Run("record failure is terminated", func(t *testing.T) {
		rec := newFakeRecorder()
		rec.err = errors.New("db down")
		c := &Consumer{rec: rec, timeout: time.Second, logger: slog.New(slog.DiscardHandler)}

		assert.Equal(t, ackDrop, c.handle(valid))
	})
}

func TestBus_PublishAndConsume(t *testing.T) {
	env := testutils.SetupNATS(t)

	bus, err := Connect(Config{URL: env.NATSURL, Stream: "CLICKS_TEST", Subject: "clicks.test"}, env.Logger)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NoError(t, bus.Ping())

	rec := newFakeRecorder()
	consumer, err := bus.Consume(rec, time.Second)
	require.NoError(t, err)

	pub := bus.Publisher()

	const n = 100
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Dispatch(ctx, 5, time.Now())
		}()
	}
	wg.Wait()
	cancel() // 已送出的事件不受影響

	require.True(t, pub.Flush(5*time.Second))
	assert.Equal(t, int64(n), pub.Published())
	assert.Zero(t, pub.Failed())

	assert.Eventually(t, func() bool { return rec.count(5) == n }, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, consumer.Stop())
}

func TestBus_ConnectIsIdempotent(t *testing.T) {
	env := testutils.SetupNATS(t)

	for i := 0; i < 2; i++ {
		bus, err := Connect(Config{URL: env.NATSURL}, env.Logger)
		require.NoError(t, err, "connect %d", i)
		bus.Close()
	}
}
