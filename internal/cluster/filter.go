package cluster

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ShardingFilter answers whether this node should consider an agent.
type ShardingFilter interface {
	Filter(agent Agent) bool
}

// ShardRegexSource supplies the current account shard pattern.
// config.Dynamic implements it.
type ShardRegexSource interface {
	AccountShardRegex() string
}

// AgentTypeParts is the parsed form of "account/AgentClass[i/n]".
type AgentTypeParts struct {
	Account    string
	Class      string
	ShardIndex int // 1-based; 0 when unsharded
	ShardCount int
}

func (p AgentTypeParts) String() string {
	s := p.Account + "/" + p.Class
	if p.ShardCount > 0 {
		s += fmt.Sprintf("[%d/%d]", p.ShardIndex, p.ShardCount)
	}
	return s
}

// ParseAgentType splits an agent type for display. Anything after the first
// "/" is the class; a trailing "[i/n]" suffix is parsed when well formed and
// otherwise left in Class.
func ParseAgentType(agentType string) AgentTypeParts {
	account, class, found := strings.Cut(agentType, "/")
	if !found {
		return AgentTypeParts{Account: agentType}
	}
	p := AgentTypeParts{Account: account, Class: class}
	open := strings.LastIndexByte(class, '[')
	if open < 0 || !strings.HasSuffix(class, "]") {
		return p
	}
	idx, count, ok := strings.Cut(class[open+1:len(class)-1], "/")
	if !ok {
		return p
	}
	i, err1 := strconv.Atoi(idx)
	n, err2 := strconv.Atoi(count)
	if err1 != nil || err2 != nil || n <= 0 || i <= 0 || i > n {
		return p
	}
	p.Class, p.ShardIndex, p.ShardCount = class[:open], i, n
	return p
}

// AccountOf returns the account portion of an agent type.
func AccountOf(agentType string) string {
	account, _, _ := strings.Cut(agentType, "/")
	return account
}

// AccountShardFilter accepts agents whose account matches the current shard
// regex. The pattern is re-read on every call so a reload takes effect on
// the next tick. An invalid pattern is logged once and matches everything.
type AccountShardFilter struct {
	source ShardRegexSource
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	pattern string
	re      *regexp.Regexp // nil means match all
}

// NewAccountShardFilter creates a filter reading its pattern from source.
func NewAccountShardFilter(source ShardRegexSource, logger *slog.Logger) *AccountShardFilter {
	return &AccountShardFilter{source: source, logger: logger}
}

func (f *AccountShardFilter) Filter(agent Agent) bool {
	re := f.compiled()
	if re == nil {
		return true
	}
	return re.MatchString(AccountOf(agent.AgentType()))
}

func (f *AccountShardFilter) compiled() *regexp.Regexp {
	pattern := f.source.AccountShardRegex()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready && pattern == f.pattern {
		return f.re
	}
	f.ready, f.pattern, f.re = true, pattern, nil
	re, err := compileFullMatch(pattern)
	if err != nil {
		f.logger.Error("sharding filter: invalid account shard regex, matching all agents",
			"pattern", pattern, "error", err)
		return nil
	}
	f.re = re
	return re
}

// compileFullMatch anchors pattern so it must match the whole input. Empty
// and ".*" patterns compile to nil, meaning match everything.
func compileFullMatch(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || pattern == ".*" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}
