package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/dotsetgreg/hybridmode/pkg/utils"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultImportance is the weight given to memories recorded without one.
const DefaultImportance = 0.5

const defaultRelevantLimit = 5

// Config configures the agent memory manager.
type Config struct {
	Retention    time.Duration
	CacheTTL     time.Duration
	DefaultLimit int
}

// Manager holds per-conversation memories in insertion (recency) order.
//
// Writes for one conversation are serialized by a keyed lock; readers take a
// copy of the slice under the map lock and never block writers of other
// conversations.
type Manager struct {
	cfg      Config
	policy   Policy
	observer Observer
	now      func() time.Time

	locks *utils.KeyedMutex

	mu          sync.RWMutex
	memories    map[string][]Memory
	generations map[string]uint64

	recall *cache.Cache
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultRelevantLimit
	}
	m := &Manager{
		cfg:         cfg,
		policy:      NewDefaultPolicy(cfg.Retention),
		now:         time.Now,
		locks:       utils.NewKeyedMutex(),
		memories:    make(map[string][]Memory),
		generations: make(map[string]uint64),
		recall:      cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add records a memory using the policy retention for memoryType.
func (m *Manager) Add(ctx context.Context, conversationID, userID, memoryType string, content map[string]any, importance float64) (Memory, error) {
	return m.AddWithRetention(ctx, conversationID, userID, memoryType, content, importance, 0)
}

// AddWithRetention records a memory that expires after retention (policy
// retention when zero), then purges expired entries of that conversation.
func (m *Manager) AddWithRetention(ctx context.Context, conversationID, userID, memoryType string, content map[string]any, importance float64, retention time.Duration) (Memory, error) {
	if err := ctx.Err(); err != nil {
		return Memory{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Memory{}, ErrMissingConversation
	}
	if retention <= 0 {
		retention = m.policy.RetentionFor(memoryType)
	}
	now := m.now()
	entry := Memory{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		MemoryType:     strings.TrimSpace(memoryType),
		Content:        content,
		Importance:     utils.Clamp01(importance),
		CreatedAt:      now,
		ExpiresAt:      now.Add(retention),
	}
	entry = entry.clone()

	unlock := m.locks.Lock(conversationID)
	m.mu.Lock()
	m.memories[conversationID] = append(m.memories[conversationID], entry)
	m.generations[conversationID]++
	m.mu.Unlock()
	removed := m.cleanupLocked(conversationID, now)
	unlock()

	if m.observer != nil {
		m.observer.MemoryAdded(entry.MemoryType)
	}
	logger.DebugCF("memory", "Memory recorded", map[string]interface{}{
		"conversation_id": conversationID,
		"memory_type":     entry.MemoryType,
		"importance":      entry.Importance,
		"expired_removed": removed,
	})
	return entry.clone(), nil
}

// Relevant returns the top memories by lexical overlap with query.
func (m *Manager) Relevant(ctx context.Context, conversationID, query string, limit int) ([]Memory, error) {
	scored, err := m.RelevantScored(ctx, conversationID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Memory)
	}
	return out, nil
}

// RelevantScored is Relevant with the relevance of each memory attached.
// relevance = |query ∩ content| / max(|query|, 1) * importance.
func (m *Manager) RelevantScored(ctx context.Context, conversationID, query string, limit int) ([]ScoredMemory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	now := m.now()

	m.mu.RLock()
	gen := m.generations[conversationID]
	m.mu.RUnlock()

	// The cache holds the full ranked list; expiry does not bump the
	// generation, so the limit is applied after filtering.
	key := recallKey(conversationID, gen, query)
	if cached, ok := m.recall.Get(key); ok {
		if ranked, ok := cached.([]ScoredMemory); ok {
			return topLive(ranked, now, limit), nil
		}
	}

	entries := m.snapshot(conversationID)
	queryWords := wordSet(query)
	denom := len(queryWords)
	if denom < 1 {
		denom = 1
	}

	ranked := make([]ScoredMemory, 0, len(entries))
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		overlap := 0
		for w := range wordSet(contentText(entry.Content)) {
			if _, ok := queryWords[w]; ok {
				overlap++
			}
		}
		s := ScoredMemory{
			Memory:    entry,
			Relevance: float64(overlap) / float64(denom) * entry.Importance,
		}
		if !m.policy.ShouldRecall(s) {
			continue
		}
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})

	m.recall.Set(key, ranked, cache.DefaultExpiration)
	return topLive(ranked, now, limit), nil
}

// CleanupExpired purges expired memories of one conversation.
func (m *Manager) CleanupExpired(conversationID string) int {
	unlock := m.locks.Lock(conversationID)
	defer unlock()
	return m.cleanupLocked(conversationID, m.now())
}

// Sweep purges expired memories across every conversation.
func (m *Manager) Sweep() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.memories))
	for id := range m.memories {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	total := 0
	for _, id := range ids {
		total += m.CleanupExpired(id)
	}
	return total
}

// cleanupLocked must be called with the conversation key held.
func (m *Manager) cleanupLocked(conversationID string, now time.Time) int {
	m.mu.Lock()
	entries := m.memories[conversationID]
	kept := entries[:0:0]
	for _, entry := range entries {
		if !entry.Expired(now) {
			kept = append(kept, entry)
		}
	}
	removed := len(entries) - len(kept)
	if removed > 0 {
		if len(kept) == 0 {
			delete(m.memories, conversationID)
		} else {
			m.memories[conversationID] = kept
		}
		m.generations[conversationID]++
	}
	m.mu.Unlock()

	if removed > 0 && m.observer != nil {
		m.observer.MemoriesExpired(removed)
	}
	return removed
}

// List returns the live memories of a conversation in insertion order.
func (m *Manager) List(conversationID string) []Memory {
	now := m.now()
	entries := m.snapshot(conversationID)
	out := make([]Memory, 0, len(entries))
	for _, entry := range entries {
		if !entry.Expired(now) {
			out = append(out, entry)
		}
	}
	return out
}

// Forget drops every memory of a conversation.
func (m *Manager) Forget(conversationID string) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()
	m.mu.Lock()
	delete(m.memories, conversationID)
	m.generations[conversationID]++
	m.mu.Unlock()
}

// Replace installs memories for a conversation, used when restoring backups.
func (m *Manager) Replace(conversationID string, memories []Memory) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()
	cloned := make([]Memory, 0, len(memories))
	for _, entry := range memories {
		entry.ConversationID = conversationID
		cloned = append(cloned, entry.clone())
	}
	m.mu.Lock()
	if len(cloned) == 0 {
		delete(m.memories, conversationID)
	} else {
		m.memories[conversationID] = cloned
	}
	m.generations[conversationID]++
	m.mu.Unlock()
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{ByType: map[string]int{}}
	for _, entries := range m.memories {
		if len(entries) == 0 {
			continue
		}
		st.Conversations++
		st.Memories += len(entries)
		for _, entry := range entries {
			st.ByType[entry.MemoryType]++
		}
	}
	return st
}

func (m *Manager) snapshot(conversationID string) []Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.memories[conversationID]
	out := make([]Memory, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.clone())
	}
	return out
}

func recallKey(conversationID string, gen uint64, query string) string {
	return fmt.Sprintf("%s|%d|%s", conversationID, gen, strings.ToLower(strings.TrimSpace(query)))
}

// topLive returns copies of the first limit unexpired entries of ranked.
func topLive(ranked []ScoredMemory, now time.Time, limit int) []ScoredMemory {
	out := make([]ScoredMemory, 0, min(limit, len(ranked)))
	for _, s := range ranked {
		if len(out) == limit {
			break
		}
		if s.Expired(now) {
			continue
		}
		out = append(out, ScoredMemory{Memory: s.Memory.clone(), Relevance: s.Relevance})
	}
	return out
}

var _ Store = (*Manager)(nil)
