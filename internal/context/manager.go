package context

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the in-memory context store. It applies the persona and
// append policy and flushes every mutation to its Persister.
//
// In-memory state is authoritative for the running process: a failed flush
// is logged and never rolls back a commit.
type Manager struct {
	mu         sync.RWMutex
	flushMu    sync.Mutex
	sessions   map[string]History
	persona    string
	persister  Persister
	compressor Compressor
	locks      *KeyedMutex
	log        *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersonaText replaces DefaultPersona.
func WithPersonaText(persona string) Option {
	return func(m *Manager) {
		if persona != "" {
			m.persona = persona
		}
	}
}

// WithMaxTurns bounds every committed history to the persona plus the
// most recent n turns. n <= 0 leaves histories unbounded.
func WithMaxTurns(n int) Option {
	return func(m *Manager) {
		m.compressor = &SimpleCompressor{MaxTurns: n}
	}
}

// WithLogger sets the logger used for flush failures.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager returns an empty manager backed by persister.
func NewManager(persister Persister, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]History),
		persona:   DefaultPersona,
		persister: persister,
		locks:     NewKeyedMutex(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if sc, ok := m.compressor.(*SimpleCompressor); ok {
		sc.Persona = m.persona
	}
	return m
}

// Persona returns the persona text injected at index 0.
func (m *Manager) Persona() string { return m.persona }

// Lock serializes read-modify-write cycles for one session key.
func (m *Manager) Lock(key string) func() { return m.locks.Lock(key) }

// Get returns a copy of the stored history for key, empty when absent.
func (m *Manager) Get(key string) History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key].Clone()
}

// EnsurePersona returns h with the persona at index 0. Only the text of the
// first turn is compared, so a reworded persona is injected into sessions
// that started with an older wording.
func (m *Manager) EnsurePersona(h History) History {
	return WithPersona(h, m.persona)
}

// AppendUserTurn returns a new working copy with a user turn appended.
func (m *Manager) AppendUserTurn(h History, text string) History {
	return appendTurn(h, UserTurn(text))
}

// AppendModelTurn returns a new working copy with a model turn appended.
func (m *Manager) AppendModelTurn(h History, text string) History {
	return appendTurn(h, ModelTurn(text))
}

func appendTurn(h History, t Turn) History {
	out := make(History, 0, len(h)+1)
	out = append(out, h...)
	return append(out, t)
}

// Commit replaces the stored history for key and flushes the store.
func (m *Manager) Commit(key string, h History) {
	if m.compressor != nil {
		h = m.compressor.Compress(h)
	}
	m.mu.Lock()
	m.sessions[key] = h.Clone()
	m.mu.Unlock()
	m.flush("commit", key)
}

// Clear removes key and flushes the store. It reports whether key existed.
func (m *Manager) Clear(key string) bool {
	m.mu.Lock()
	_, existed := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	m.flush("clear", key)
	return existed
}

// Keys returns the session keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LoadAll replaces the in-memory store with the persisted one. On error the
// store is left empty and the error is returned for the caller to report.
func (m *Manager) LoadAll() error {
	loaded, err := m.persister.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]History, len(loaded))
	if err != nil {
		return err
	}
	for k, h := range loaded {
		m.sessions[k] = h.Clone()
	}
	return nil
}

// SaveAll writes the whole store to the persister. Flushes are serialized
// so an older snapshot never overwrites a newer one.
func (m *Manager) SaveAll() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.persister.Save(m.snapshot())
}

func (m *Manager) snapshot() map[string]History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]History, len(m.sessions))
	for k, h := range m.sessions {
		out[k] = h.Clone()
	}
	return out
}

func (m *Manager) flush(op, key string) {
	if err := m.SaveAll(); err != nil {
		m.log.Error("context flush failed",
			zap.String("op", op),
			zap.String("session_key", key),
			zap.Error(err),
		)
	}
}
