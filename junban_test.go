package junban

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/config"
	"github.com/ashita-ai/junban/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store = config.StoreMemory
	cfg.NodeID = "node-test"
	cfg.LockAcquisitionInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReplicaTTL = time.Second
	cfg.AgentPollInterval = 20 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second
	cfg.EventCleanupEnabled = false
	return cfg
}

type testAgent string

func (a testAgent) AgentType() string    { return string(a) }
func (a testAgent) ProviderName() string { return "test" }

type started struct{ EventBase }

func (*started) EventName() string { return "Started" }

type finished struct{ EventBase }

func (*finished) EventName() string { return "Finished" }

func TestAppRunsAgentsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	app, err := New(
		WithConfig(testConfig(t)),
		WithLogger(testutil.TestLogger()),
		WithAgent(testAgent("acct/Counter"), ExecutionFunc(func(context.Context, Agent) error {
			runs.Add(1)
			return nil
		})),
	)
	require.NoError(t, err)
	assert.Equal(t, "node-test", app.NodeID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// Shutdown already ran inside Run; a second call is a no-op.
	assert.NoError(t, app.Shutdown(context.Background()))
}

func TestAppSagaRoundTrip(t *testing.T) {
	app, err := New(
		WithConfig(testConfig(t)),
		WithLogger(testutil.TestLogger()),
		WithEvent("Started", func() Event { return &started{} }),
		WithEvent("Finished", func() Event { return &finished{} }),
		WithSagaHandler("deploy", NewSagaHandler("finish", On("Started"),
			func(_ context.Context, _ Event, s *Saga) ([]Event, error) {
				return []Event{&finished{EventBase: s.Base()}}, nil
			})),
		WithCompletionHandler("result", CompletionHandlerFunc(func(_ context.Context, s *Saga) (any, error) {
			return s.ID(), nil
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	ctx := context.Background()

	sg := NewSaga("deploy", "d-1", WithRequiredEvents("Finished"), WithSagaCompletion("result"))
	require.NoError(t, app.Sagas().Save(ctx, sg, false))
	require.NoError(t, app.Sagas().Submit(ctx, &started{EventBase: NewEventBase("deploy", "d-1")}))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := app.Sagas().AwaitCompletion(waitCtx, "deploy", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", res)
}

func TestAppRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(WithConfig(cfg), WithStore("redis"), WithLogger(testutil.TestLogger()))
	assert.Error(t, err)
}

func TestAppRejectsInvalidHandlerShape(t *testing.T) {
	_, err := New(
		WithConfig(testConfig(t)),
		WithLogger(testutil.TestLogger()),
		WithSagaHandler("deploy", NewSagaHandler("bad", UnionOf(On("Started")),
			func(context.Context, Event, *Saga) ([]Event, error) { return nil, nil })),
	)
	assert.Error(t, err)
}

func TestNotificationsRequirePostgres(t *testing.T) {
	app, err := New(WithConfig(testConfig(t)), WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	_, cancel, ok := app.Notifications()
	defer cancel()
	assert.False(t, ok)
}
