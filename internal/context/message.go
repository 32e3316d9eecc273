package context

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one message of a conversation. Treat it as immutable.
type Turn struct {
	Role Role
	Text string
}

// History is an ordered list of turns, oldest first.
type History []Turn

// UserTurn returns a user turn with the given text.
func UserTurn(text string) Turn { return Turn{Role: RoleUser, Text: text} }

// ModelTurn returns a model turn with the given text.
func ModelTurn(text string) Turn { return Turn{Role: RoleModel, Text: text} }

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

type turnPart struct {
	Text string `json:"text"`
}

type turnJSON struct {
	Role  Role       `json:"role"`
	Parts []turnPart `json:"parts,omitempty"`
	Text  *string    `json:"text,omitempty"`
}

// MarshalJSON writes the turn in the generation API content shape:
// {"role":"user","parts":[{"text":"..."}]}.
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(turnJSON{Role: t.Role, Parts: []turnPart{{Text: t.Text}}})
}

// UnmarshalJSON accepts both the content shape and a flat {"role","text"} form.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Role {
	case RoleUser, RoleModel:
	default:
		return fmt.Errorf("unknown turn role %q", raw.Role)
	}
	var text string
	if raw.Text != nil {
		text = *raw.Text
	} else {
		parts := make([]string, 0, len(raw.Parts))
		for _, p := range raw.Parts {
			parts = append(parts, p.Text)
		}
		text = strings.Join(parts, "")
	}
	*t = Turn{Role: raw.Role, Text: text}
	return nil
}
