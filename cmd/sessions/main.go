// Command sessions lists, shows and clears persisted conversation sessions.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "[sessions] %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		backend  string
		path     string
		key      string
		clearKey string
		jsonOut  bool
	)
	flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	flagSet.StringVar(&backend, "backend", envOrDefault("PAIMON_HISTORY_BACKEND", store.BackendJSON), "history backend: json, sqlite or badger")
	flagSet.StringVar(&path, "path", envOrDefault("PAIMON_HISTORY_PATH", "conversation_history.json"), "history file or directory")
	flagSet.StringVar(&key, "key", "", "show the turns of one session")
	flagSet.StringVar(&clearKey, "clear", "", "remove one session and save")
	flagSet.BoolVar(&jsonOut, "json", false, "output JSON format")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if key != "" && clearKey != "" {
		return errors.New("--key and --clear are mutually exclusive")
	}

	persister, closer, err := store.Open(backend, path, zap.NewNop())
	if err != nil {
		return err
	}
	defer closer.Close()

	contexts := ctxpkg.NewManager(persister)
	if err := contexts.LoadAll(); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	switch {
	case clearKey != "":
		if !contexts.Clear(clearKey) {
			return fmt.Errorf("session %q not found", clearKey)
		}
		if err := contexts.SaveAll(); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		fmt.Fprintf(out, "cleared %s\n", clearKey)
		return nil
	case key != "":
		return show(out, contexts, key, jsonOut)
	default:
		return list(out, contexts, jsonOut)
	}
}

type sessionSummary struct {
	Key        string `json:"key"`
	Turns      int    `json:"turns"`
	HasPersona bool   `json:"has_persona"`
	LastRole   string `json:"last_role,omitempty"`
}

func list(out io.Writer, contexts *ctxpkg.Manager, jsonOut bool) error {
	keys := contexts.Keys()
	sort.Strings(keys)
	summaries := make([]sessionSummary, 0, len(keys))
	for _, k := range keys {
		h := contexts.Get(k)
		s := sessionSummary{Key: k, Turns: len(h), HasPersona: ctxpkg.HasPersona(h, contexts.Persona())}
		if len(h) > 0 {
			s.LastRole = string(h[len(h)-1].Role)
		}
		summaries = append(summaries, s)
	}
	if jsonOut {
		return writeJSON(out, summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}
	for _, s := range summaries {
		persona := ""
		if s.HasPersona {
			persona = "  persona"
		}
		fmt.Fprintf(out, "%s  turns=%d  last=%s%s\n", s.Key, s.Turns, s.LastRole, persona)
	}
	return nil
}

func show(out io.Writer, contexts *ctxpkg.Manager, key string, jsonOut bool) error {
	h := contexts.Get(key)
	if len(h) == 0 {
		return fmt.Errorf("session %q not found", key)
	}
	if jsonOut {
		return writeJSON(out, h)
	}
	for i, turn := range h {
		fmt.Fprintf(out, "%3d %-5s %s\n", i, turn.Role, preview(turn.Text, 120))
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string, maxChars int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	return string([]rune(s)[:maxChars]) + "..."
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
