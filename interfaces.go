package junban

import (
	"github.com/ashita-ai/junban/internal/cluster"
	"github.com/ashita-ai/junban/internal/saga"
)

// Agent is a unit of periodic work, keyed cluster-wide by AgentType
// ("account/Class" or "account/Class[i/n]"). At most one node runs a given
// agent type at a time.
type Agent = cluster.Agent

// Execution runs one pass of an agent. Its context carries a deadline equal
// to the agent's lease timeout; work past it may overlap another node.
type Execution = cluster.Execution

// ExecutionFunc adapts a function to Execution.
type ExecutionFunc = cluster.ExecutionFunc

// CustomScheduledAgent lets an agent override the default poll interval,
// error interval and timeout.
type CustomScheduledAgent = cluster.CustomScheduledAgent

// SagaHandler reacts to an event (or a Composite for Union/Either shapes)
// and returns the events it emits. Emitted events are saved with the saga's
// new snapshot and then applied in order.
type SagaHandler = saga.Handler

// Compensator is implemented by handlers that can undo their work when the
// saga applies an error event.
type Compensator = saga.Compensator

// CompletionHandler turns a completed saga into a result for AwaitCompletion.
type CompletionHandler = saga.CompletionHandler

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc = saga.CompletionHandlerFunc
