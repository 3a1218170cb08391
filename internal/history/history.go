// Package history tracks a conversation's messages for one chat turn and,
// optionally, folds older messages into a single summary.
package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"ragchat/internal/domain"
	"ragchat/internal/metrics"
)

const (
	// DefaultRetentionWindow is the number of non-memory messages kept verbatim.
	DefaultRetentionWindow = 8
	// minRecentMessages is never collapsed by the token budget.
	minRecentMessages = 2
	// Words-to-tokens ratio approximation (1 token ~ 0.75 words for English).
	wordsPerToken = 0.75
)

type Strategy int

const (
	// Simple passes history through verbatim.
	Simple Strategy = iota
	// Summarizing collapses messages beyond the retention window into one
	// memory message.
	Summarizing
)

func (s Strategy) String() string {
	if s == Summarizing {
		return "summarizing"
	}
	return "simple"
}

// Summarizer condenses collapsed messages, together with any prior
// summary, into new summary text.
type Summarizer interface {
	Summarize(ctx context.Context, prior *domain.ConversationMessage, collapsed []domain.ConversationMessage) (string, error)
}

type Option func(*Manager)

func WithRetentionWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithTokenBudget also collapses older messages while the retained ones
// exceed budget estimated tokens.
func WithTokenBudget(budget int) Option {
	return func(m *Manager) { m.tokenBudget = budget }
}

func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager holds the history of a single turn. It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	strategy    Strategy
	window      int
	tokenBudget int
	summarizer  Summarizer
	logger      *slog.Logger

	memory   *domain.ConversationMessage
	messages []domain.ConversationMessage

	added       []domain.ConversationMessage
	freshMemory bool
}

// New creates a manager seeded with messages. Under Summarizing, the last
// memory message in messages becomes the prior summary and other memory
// messages are discarded. The strategy falls back to Simple when no
// Summarizer is configured.
func New(messages []domain.ConversationMessage, strategy Strategy, opts ...Option) *Manager {
	m := &Manager{strategy: strategy, window: DefaultRetentionWindow}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.strategy == Summarizing && m.summarizer == nil {
		m.logger.Warn("summarizing history requested without a summarizer, using simple history")
		m.strategy = Simple
	}

	for _, msg := range messages {
		if m.strategy == Summarizing && msg.Role == domain.RoleMemory {
			mem := msg
			m.memory = &mem
			continue
		}
		m.messages = append(m.messages, msg)
	}
	return m
}

func (m *Manager) Strategy() Strategy { return m.strategy }

// Append adds messages to the history. Under Summarizing, messages beyond
// the retention window are collapsed before Append returns.
func (m *Manager) Append(ctx context.Context, msgs ...domain.ConversationMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msgs...)
	m.added = append(m.added, msgs...)
	if m.strategy == Summarizing {
		m.compact(ctx)
	}
}

// Snapshot returns the current history, memory message first.
func (m *Manager) Snapshot() []domain.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ConversationMessage, 0, len(m.messages)+1)
	if m.memory != nil {
		out = append(out, *m.memory)
	}
	return append(out, m.messages...)
}

// Checkpoint marks the start of a turn for NewMessages.
func (m *Manager) Checkpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = nil
	m.freshMemory = false
}

// NewMessages returns what was added since the last Checkpoint. A summary
// produced in that time comes first; there is at most one.
func (m *Manager) NewMessages() []domain.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ConversationMessage, 0, len(m.added)+1)
	if m.freshMemory && m.memory != nil {
		out = append(out, *m.memory)
	}
	return append(out, m.added...)
}

// Memory returns the summary produced since the last Checkpoint, if any.
func (m *Manager) Memory() *domain.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.freshMemory || m.memory == nil {
		return nil
	}
	mem := *m.memory
	return &mem
}

// compact collapses the oldest messages into the memory message. On
// summarizer failure the prior summary is kept and the range is dropped.
func (m *Manager) compact(ctx context.Context) {
	n := len(m.messages) - m.window
	if n < 0 {
		n = 0
	}
	if m.tokenBudget > 0 {
		for len(m.messages)-n > minRecentMessages && EstimateTokens(m.messages[n:]) > m.tokenBudget {
			n++
		}
	}
	if n == 0 {
		return
	}

	collapsed := m.messages[:n]
	m.logger.Info("history compaction triggered",
		"collapsed_messages", n,
		"retained_messages", len(m.messages)-n,
		"window", m.window,
	)

	summary, err := m.summarize(ctx, collapsed)
	switch {
	case err != nil:
		m.logger.Warn("history summarization failed, keeping prior summary", "err", err, "dropped_messages", n)
	case strings.TrimSpace(summary) == "":
		m.logger.Warn("history summarization returned empty text, keeping prior summary", "dropped_messages", n)
	default:
		mem := domain.NewMessage(domain.RoleMemory, strings.TrimSpace(summary))
		m.memory = &mem
		m.freshMemory = true
		metrics.SummariesTotal.Inc()
	}
	m.messages = append([]domain.ConversationMessage(nil), m.messages[n:]...)
}

// summarize returns when ctx ends even if the summarizer does not honour it.
func (m *Manager) summarize(ctx context.Context, collapsed []domain.ConversationMessage) (string, error) {
	type result struct {
		text string
		err  error
	}
	prior := m.memory
	done := make(chan result, 1)
	go func() {
		text, err := m.summarizer.Summarize(ctx, prior, collapsed)
		done <- result{text, err}
	}()
	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EstimateTokens returns a rough token count for a message slice.
func EstimateTokens(messages []domain.ConversationMessage) int {
	total := 0
	for _, m := range messages {
		total += estimateStringTokens(m.Content.String())
	}
	return total
}

func estimateStringTokens(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	tokens := int(float64(words) / wordsPerToken)
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
