package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
)

// JSONFile stores the context store as a JSON array of
// [sessionKey, turns] pairs.
type JSONFile struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

// NewJSONFile returns a JSON file persister at path.
func NewJSONFile(path string, log *zap.Logger) *JSONFile {
	if log == nil {
		log = zap.NewNop()
	}
	return &JSONFile{path: path, log: log.With(zap.String("history_file", path))}
}

type entry struct {
	Key   string
	Turns ctxpkg.History
}

func (e entry) MarshalJSON() ([]byte, error) {
	turns := e.Turns
	if turns == nil {
		turns = ctxpkg.History{}
	}
	return json.Marshal([]any{e.Key, turns})
}

func (e *entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected [key, turns] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return fmt.Errorf("session key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Turns); err != nil {
		return fmt.Errorf("turns of %q: %w", e.Key, err)
	}
	return nil
}

// Load reads the file. A missing file is an empty store.
func (f *JSONFile) Load() (map[string]ctxpkg.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.log.Info("no conversation history file found, starting empty")
		return map[string]ctxpkg.History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history file is not a [key, turns] array: %w", err)
	}
	sessions := lo.SliceToMap(entries, func(e entry) (string, ctxpkg.History) {
		return e.Key, e.Turns
	})
	f.log.Info("conversation history loaded", zap.Int("sessions", len(sessions)))
	return sessions, nil
}

// Save writes the whole store through a temp file and rename.
func (f *JSONFile) Save(sessions map[string]ctxpkg.History) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := lo.Keys(sessions)
	sort.Strings(keys)
	entries := lo.Map(keys, func(k string, _ int) entry {
		return entry{Key: k, Turns: sessions[k]}
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save history file: %w", err)
	}
	f.log.Debug("conversation history saved", zap.Int("sessions", len(entries)))
	return nil
}
