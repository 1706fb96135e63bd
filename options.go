package junban

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/junban/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

type agentRegistration struct {
	agent Agent
	exec  Execution
}

type handlerRegistration struct {
	saga    string
	handler SagaHandler
}

type eventRegistration struct {
	name    string
	factory func() Event
}

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	config             *config.Config
	store              string
	databaseURL        string
	notifyURL          string
	nodeID             string
	logger             *slog.Logger
	version            string
	agents             []agentRegistration
	handlers           []handlerRegistration
	events             []eventRegistration
	completionHandlers map[string]CompletionHandler
	extraMigrations    []fs.FS
}

// WithConfig uses cfg instead of reading the environment. Later options
// still override individual fields.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.config = &cfg }
}

// WithStore selects the row store backend: "postgres", "sqlite" or "memory"
// (JUNBAN_STORE env var).
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithNodeID pins this node's cluster identity (JUNBAN_NODE_ID env var).
func WithNodeID(id string) Option {
	return func(o *resolvedOptions) { o.nodeID = id }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version recorded on heartbeats and events.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent schedules agent on this node. Every node should register the same
// agents; the lease decides which one runs each pass.
func WithAgent(agent Agent, exec Execution) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, agentRegistration{agent, exec}) }
}

// WithSagaHandler registers a handler for sagas named sagaName, or for every
// saga when sagaName is empty.
func WithSagaHandler(sagaName string, h SagaHandler) Option {
	return func(o *resolvedOptions) { o.handlers = append(o.handlers, handlerRegistration{sagaName, h}) }
}

// WithEvent registers a domain event type so it can be decoded from the log.
func WithEvent(name string, factory func() Event) Option {
	return func(o *resolvedOptions) { o.events = append(o.events, eventRegistration{name, factory}) }
}

// WithCompletionHandler registers a named completion handler.
func WithCompletionHandler(name string, h CompletionHandler) Option {
	return func(o *resolvedOptions) {
		if o.completionHandlers == nil {
			o.completionHandlers = make(map[string]CompletionHandler)
		}
		o.completionHandlers[name] = h
	}
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// built-in Postgres migrations. Ignored for other stores.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
