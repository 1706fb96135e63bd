package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/testutil"
)

func TestParse(t *testing.T) {
	tests := []struct {
		payload string
		want    Notification
		wantErr bool
	}{
		{payload: "deploy/abc:7", want: Notification{AggregateType: "deploy", AggregateID: "abc", Version: 7}},
		{payload: "deploy/a/b:12", want: Notification{AggregateType: "deploy", AggregateID: "a/b", Version: 12}},
		{payload: "deploy/a:b:3", want: Notification{AggregateType: "deploy", AggregateID: "a:b", Version: 3}},
		{payload: "deploy:7", wantErr: true},
		{payload: "deploy/abc", wantErr: true},
		{payload: "deploy/abc:x", wantErr: true},
		{payload: "/abc:1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := Parse(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(nil, "junban_events", testutil.TestLogger())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	n := Notification{AggregateType: "deploy", AggregateID: "1", Version: 3}
	b.broadcast(n)
	assert.Equal(t, n, receive(t, ch1))
	assert.Equal(t, n, receive(t, ch2))

	b.Unsubscribe(ch1)
	n2 := Notification{AggregateType: "deploy", AggregateID: "1", Version: 4}
	b.broadcast(n2)
	assert.Equal(t, n2, receive(t, ch2))

	b.Unsubscribe(ch2)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker(nil, "junban_events", testutil.TestLogger())
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := range 100 {
		b.broadcast(Notification{AggregateType: "t", AggregateID: "1", Version: int64(i)})
		<-fast
	}
	assert.Len(t, slow, cap(slow))
}

type fakeSource struct {
	payloads chan string
	listened []string
}

func (f *fakeSource) Listen(_ context.Context, channel string) error {
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeSource) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-f.payloads:
		return "junban_events", p, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func TestBrokerStartDeliversParsedPayloads(t *testing.T) {
	src := &fakeSource{payloads: make(chan string, 2)}
	b := NewBroker(src, "junban_events", testutil.TestLogger())
	ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	src.payloads <- "garbage"
	src.payloads <- "deploy/1:2"
	assert.Equal(t, Notification{AggregateType: "deploy", AggregateID: "1", Version: 2}, receive(t, ch))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"junban_events"}, src.listened)
}

type failingSource struct{}

func (failingSource) Listen(context.Context, string) error { return errors.New("no notify conn") }
func (failingSource) WaitForNotification(context.Context) (string, string, error) {
	return "", "", errors.New("unreachable")
}

func TestBrokerStartReturnsListenError(t *testing.T) {
	b := NewBroker(failingSource{}, "junban_events", testutil.TestLogger())
	assert.Error(t, b.Start(context.Background()))
}

func receive(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

// flakySource fails WaitForNotification for every call listed in fail.
type flakySource struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (f *flakySource) Listen(context.Context, string) error { return nil }

func (f *flakySource) WaitForNotification(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fail[call] {
		return "", "", errors.New("connection reset")
	}
	return "junban_events", "deploy/1:" + strconv.Itoa(call), nil
}

func (f *flakySource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestBrokerGivesUpAfterConsecutiveFailures(t *testing.T) {
	src := &flakySource{fail: map[int]bool{1: true, 2: true, 3: true}}
	b := NewBroker(src, "junban_events", testutil.TestLogger(), WithBackoff(time.Millisecond, 2*time.Millisecond, 3))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 consecutive errors")
	assert.Equal(t, 3, src.count())
}

func TestBrokerBacksOffAndRecovers(t *testing.T) {
	src := &flakySource{fail: map[int]bool{1: true, 2: true, 4: true, 5: true}}
	b := NewBroker(src, "junban_events", testutil.TestLogger(), WithBackoff(10*time.Millisecond, 20*time.Millisecond, 3))
	ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- b.Start(ctx) }()

	// Two failures in a row sit below the limit, and a delivery resets the count.
	assert.Equal(t, int64(3), receive(t, ch).Version)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "waits between retries")
	assert.Equal(t, int64(6), receive(t, ch).Version)

	cancel()
	require.NoError(t, <-done)
}
