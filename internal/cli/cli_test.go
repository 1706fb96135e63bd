package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/storage"
	"github.com/ashita-ai/junban/internal/storage/memory"
	"github.com/ashita-ai/junban/internal/storage/storetest"
	"github.com/ashita-ai/junban/internal/testutil"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRoot(t *testing.T, store Store) (*RootOptions, *bytes.Buffer) {
	t.Helper()
	opts := &RootOptions{
		Logger:  testutil.TestLogger(),
		Version: "test",
		OpenStore: func(context.Context) (Store, func(), error) {
			return store, func() {}, nil
		},
		now: func() time.Time { return t0 },
	}
	return opts, &bytes.Buffer{}
}

func execute(t *testing.T, opts *RootOptions, out *bytes.Buffer, args ...string) error {
	t.Helper()
	cmd := NewRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewClock(t0.Add(-time.Minute))
	s := memory.New(memory.WithClock(clock.Now))

	ok, err := s.TryAcquireLock(ctx, "acct/Sync", "node-a", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TryAcquireLock(ctx, "acct/Old", "node-b", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Heartbeat(ctx, model.NodeHeartbeat{NodeID: "node-a", StartedAt: clock.Now(), Version: "v1"}))
	clock.Advance(30 * time.Second)
	_, err = s.AppendEvents(ctx, "deploy", "d-1", 0, storetest.Records("deploy", "d-1", 0, clock.Now(), "SagaSaved", "Started"))
	require.NoError(t, err)
	return s
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(&RootOptions{})
	for _, name := range []string{"serve", "migrate", "locks", "nodes", "events"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	sub, _, err := cmd.Find([]string{"events", "watch"})
	require.NoError(t, err)
	assert.Equal(t, "watch", sub.Name())
}

func TestInvalidFormat(t *testing.T) {
	opts, out := newTestRoot(t, memory.New())
	err := execute(t, opts, out, "locks", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLocksJSON(t *testing.T) {
	opts, out := newTestRoot(t, seededStore(t))
	require.NoError(t, execute(t, opts, out, "locks", "--format", "json"))

	var views []lockView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 2)
	live := map[string]bool{}
	for _, v := range views {
		live[v.AgentName] = v.Live
	}
	assert.True(t, live["acct/Sync"])
	assert.False(t, live["acct/Old"])
}

func TestLocksText(t *testing.T) {
	opts, out := newTestRoot(t, seededStore(t))
	require.NoError(t, execute(t, opts, out, "locks"))
	assert.Contains(t, out.String(), "AGENT")
	assert.Contains(t, out.String(), "acct/Sync")
	assert.Contains(t, out.String(), "node-a")
}

func TestNodesLiveness(t *testing.T) {
	opts, out := newTestRoot(t, seededStore(t))
	require.NoError(t, execute(t, opts, out, "nodes", "--format", "json", "--ttl", "2m"))
	var views []nodeView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 1)
	assert.True(t, views[0].Live)

	out.Reset()
	require.NoError(t, execute(t, opts, out, "nodes", "--format", "json", "--ttl", "10s"))
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	assert.False(t, views[0].Live)
}

func TestEventsList(t *testing.T) {
	opts, out := newTestRoot(t, seededStore(t))

	require.NoError(t, execute(t, opts, out, "events", "list"))
	assert.Contains(t, out.String(), "deploy")
	assert.Contains(t, out.String(), "d-1")

	out.Reset()
	require.NoError(t, execute(t, opts, out, "events", "list", "--type", "deploy", "--id", "d-1", "--format", "json"))
	var records []model.EventRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "Started", records[1].EventType)

	out.Reset()
	require.NoError(t, execute(t, opts, out, "events", "list", "--type", "deploy", "--id", "missing"))
	assert.Contains(t, out.String(), "No events found")
}

func TestEventsListIDRequiresType(t *testing.T) {
	opts, out := newTestRoot(t, memory.New())
	err := execute(t, opts, out, "events", "list", "--id", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeWrapsFailure(t *testing.T) {
	opts, out := newTestRoot(t, memory.New())
	opts.Serve = func(context.Context) error { return errors.New("store unreachable") }
	err := execute(t, opts, out, "serve")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	opts.Serve = func(context.Context) error { return nil }
	assert.NoError(t, execute(t, opts, out, "serve"))
}

type fakeMigrator struct {
	applied []string
	status  []storage.Migration
}

func (f *fakeMigrator) RunMigrations(context.Context, fs.FS) ([]string, error) {
	return f.applied, nil
}

func (f *fakeMigrator) MigrationStatus(context.Context, fs.FS) ([]storage.Migration, error) {
	return f.status, nil
}

func TestMigrate(t *testing.T) {
	at := t0
	m := &fakeMigrator{
		applied: []string{"001_initial.sql"},
		status: []storage.Migration{
			{Name: "001_initial.sql", AppliedAt: &at},
			{Name: "002_next.sql"},
		},
	}
	opts, out := newTestRoot(t, memory.New())
	opts.OpenMigrator = func(context.Context) (Migrator, func(), error) { return m, func() {}, nil }

	require.NoError(t, execute(t, opts, out, "migrate"))
	assert.Contains(t, out.String(), "applied 001_initial.sql")

	out.Reset()
	require.NoError(t, execute(t, opts, out, "migrate", "--status"))
	assert.Contains(t, out.String(), "002_next.sql")
	assert.Contains(t, out.String(), "pending")

	m.applied = nil
	out.Reset()
	require.NoError(t, execute(t, opts, out, "migrate"))
	assert.Contains(t, out.String(), "schema is up to date")
}

type scriptedNotify struct {
	payloads []string
}

func (s *scriptedNotify) Listen(context.Context, string) error { return nil }

func (s *scriptedNotify) WaitForNotification(ctx context.Context) (string, string, error) {
	if len(s.payloads) == 0 {
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	return "junban_events", p, nil
}

func TestEventsWatch(t *testing.T) {
	opts, _ := newTestRoot(t, memory.New())
	opts.OpenNotify = func(context.Context) (NotifySource, func(), error) {
		return &scriptedNotify{payloads: []string{"deploy/d-1:3"}}, func() {}, nil
	}
	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"events", "watch"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	require.Eventually(t, func() bool { return bytes.Contains(out.Bytes(), []byte("deploy/d-1:3")) },
		2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
