package config

import (
	"fmt"
	"regexp"
	"slices"
	"sync/atomic"
	"time"
)

// DynamicValues are settings that may change while the process runs.
type DynamicValues struct {
	MaxConcurrentAgents int           `env:"JUNBAN_MAX_CONCURRENT_AGENTS" envDefault:"100"`
	DisabledAgents      []string      `env:"JUNBAN_DISABLED_AGENTS" envSeparator:","`
	ReleaseThreshold    time.Duration `env:"JUNBAN_RELEASE_THRESHOLD" envDefault:"500ms"`
	AccountShardRegex   string        `env:"JUNBAN_ACCOUNT_SHARD_REGEX" envDefault:".*"`
}

// Validate rejects values the scheduler cannot run with. An invalid shard
// regex is tolerated here; the sharding filter logs it and matches everything.
func (v DynamicValues) Validate() error {
	if v.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("config: JUNBAN_MAX_CONCURRENT_AGENTS must be positive")
	}
	if v.ReleaseThreshold < 0 {
		return fmt.Errorf("config: JUNBAN_RELEASE_THRESHOLD must not be negative")
	}
	return nil
}

func (v DynamicValues) equal(o DynamicValues) bool {
	return v.MaxConcurrentAgents == o.MaxConcurrentAgents &&
		v.ReleaseThreshold == o.ReleaseThreshold &&
		v.AccountShardRegex == o.AccountShardRegex &&
		slices.Equal(v.DisabledAgents, o.DisabledAgents)
}

// Dynamic is a concurrency-safe holder for DynamicValues. Readers always see
// a complete snapshot.
type Dynamic struct {
	v atomic.Pointer[DynamicValues]
}

// NewDynamic returns a Dynamic seeded with initial.
func NewDynamic(initial DynamicValues) *Dynamic {
	d := &Dynamic{}
	d.Set(initial)
	return d
}

// Get returns the current snapshot.
func (d *Dynamic) Get() DynamicValues {
	return *d.v.Load()
}

// Set replaces the snapshot.
func (d *Dynamic) Set(v DynamicValues) {
	v.DisabledAgents = slices.Clone(v.DisabledAgents)
	d.v.Store(&v)
}

func (d *Dynamic) MaxConcurrentAgents() int { return d.Get().MaxConcurrentAgents }

func (d *Dynamic) ReleaseThreshold() time.Duration { return d.Get().ReleaseThreshold }

func (d *Dynamic) AccountShardRegex() string { return d.Get().AccountShardRegex }

// AgentDisabled reports whether agentType is in the disabled list.
func (d *Dynamic) AgentDisabled(agentType string) bool {
	return slices.Contains(d.v.Load().DisabledAgents, agentType)
}

// ShardRegex compiles AccountShardRegex; callers decide how to treat errors.
func (v DynamicValues) ShardRegex() (*regexp.Regexp, error) {
	return regexp.Compile(v.AccountShardRegex)
}
