// Package memory implements the bounded conversation log (C4) and its
// LLM-adapter contract (C5).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Completer is the LLM adapter contract: complete(turns) -> string.
// Model, temperature, and max-token configuration live on the concrete
// implementation, not in this interface.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// ResponseLengthHint is appended to every completion request as guidance,
// not as a hard constraint the adapter is required to enforce.
const ResponseLengthHint = "Respond in two short sentences or fewer."

// Memory is a bounded, ordered turn log with a single immutable system
// turn at index 0. It is safe for concurrent use; NextResponse serialises
// per-memory so two concurrent turns never interleave assistant writes.
type Memory struct {
	logger *zap.Logger

	mu         sync.Mutex // guards system/turns/encoding state
	respMu     sync.Mutex // serialises NextResponse end-to-end
	system     Turn
	turns      []Turn
	maxTurns   int
	completer  Completer
	now        func() time.Time

	tokenBudget int
	encoding    *tiktoken.Tiktoken
}

// Option configures a Memory at construction.
type Option func(*Memory)

// WithTokenBudget enables advisory token-budget trimming (§4.4) ahead of
// the plain turn-count eviction. A non-positive budget disables it.
func WithTokenBudget(budget int) Option {
	return func(m *Memory) { m.tokenBudget = budget }
}

// WithClock overrides the time source; tests use this for deterministic
// CreatedAt values.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// New creates a Memory with a fixed system directive and a non-system
// turn limit (default behaviour: evict the oldest non-system pair once
// the limit is exceeded).
func New(systemPrompt string, maxTurns int, completer Completer, logger *zap.Logger, opts ...Option) *Memory {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	m := &Memory{
		logger:    logger.With(zap.String("component", "memory")),
		completer: completer,
		maxTurns:  maxTurns,
		now:       time.Now,
	}
	m.system = newTurn(RoleSystem, systemPrompt, m.now())
	for _, opt := range opts {
		opt(m)
	}
	if m.tokenBudget > 0 {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			m.logger.Warn("token budgeting disabled: failed to load encoding", zap.Error(err))
			m.tokenBudget = 0
		} else {
			m.encoding = enc
		}
	}
	return m
}

// AppendUser inserts a user turn at the tail, evicting the oldest
// non-system pair if the turn limit is exceeded.
func (m *Memory) AppendUser(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(newTurn(RoleUser, text, m.now()))
}

// AppendAssistant inserts an assistant turn at the tail, evicting the
// oldest non-system pair if the turn limit is exceeded.
func (m *Memory) AppendAssistant(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(newTurn(RoleAssistant, text, m.now()))
}

// append is the shared append+evict critical section. It must be called
// with mu held, and must never perform I/O.
func (m *Memory) append(t Turn) {
	m.turns = append(m.turns, t)
	for len(m.turns) > m.maxTurns {
		// Drop the oldest non-system pair. A lone trailing turn (an odd
		// count after a failed partner write) is dropped on its own.
		drop := 2
		if len(m.turns) < drop {
			drop = len(m.turns)
		}
		m.turns = m.turns[drop:]
	}
}

// Reset clears every turn except the system turn.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// Snapshot returns a copy of the full turn log, system turn first.
func (m *Memory) Snapshot() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, 0, len(m.turns)+1)
	out = append(out, m.system)
	out = append(out, m.turns...)
	return out
}

// NonSystemCount returns the number of non-system turns currently held.
func (m *Memory) NonSystemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// NextResponse invokes the LLM adapter with the current turn log plus a
// response-length hint. On success the reply is appended as an assistant
// turn and returned. On failure, memory is left untouched and the error
// is returned to the caller. Concurrent calls on the same Memory are
// serialised so their assistant writes never interleave.
func (m *Memory) NextResponse(ctx context.Context) (string, error) {
	m.respMu.Lock()
	defer m.respMu.Unlock()

	turns := append(m.requestTurns(), newTurn(RoleSystem, ResponseLengthHint, m.now()))
	reply, err := m.completer.Complete(ctx, turns)
	if err != nil {
		return "", err
	}
	m.AppendAssistant(reply)
	return reply, nil
}

// requestTurns builds the turn log to send to the LLM adapter: the full
// snapshot, trimmed against the advisory token budget if one is set.
// Trimming never mutates the stored memory; it only shapes the outbound
// request.
func (m *Memory) requestTurns() []Turn {
	turns := m.Snapshot()
	if m.tokenBudget <= 0 || m.encoding == nil {
		return turns
	}
	for len(turns) > 1 && m.estimateTokens(turns) > m.tokenBudget {
		// Drop the oldest non-system pair (index 1,2), keeping the
		// system turn at index 0.
		drop := 2
		if len(turns)-1 < drop {
			drop = len(turns) - 1
		}
		turns = append(turns[:1:1], turns[1+drop:]...)
	}
	return turns
}

func (m *Memory) estimateTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len(m.encoding.Encode(t.Content, nil, nil))
	}
	return total
}

// Conversation is the backend-agnostic contract the turn state machine
// orchestrates against. *RedisMemory satisfies it directly; the
// in-process Memory performs no I/O, so AsConversation wraps it in a
// thin context-accepting shim rather than changing its own signatures.
type Conversation interface {
	AppendUser(ctx context.Context, text string) error
	NextResponse(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
}

type syncConversation struct{ *Memory }

func (c syncConversation) AppendUser(ctx context.Context, text string) error {
	c.Memory.AppendUser(text)
	return nil
}

func (c syncConversation) Reset(ctx context.Context) error {
	c.Memory.Reset()
	return nil
}

// AsConversation exposes m through the backend-agnostic Conversation
// interface.
func (m *Memory) AsConversation() Conversation { return &syncConversation{m} }
