package context

// SimpleCompressor keeps only the last MaxTurns turns after the persona.
// The persona, when present at index 0, is never dropped.
type SimpleCompressor struct {
	Persona  string
	MaxTurns int
}

// Compress truncates h to the most recent MaxTurns conversational turns.
func (c *SimpleCompressor) Compress(h History) History {
	if c.MaxTurns <= 0 {
		return h
	}
	head := 0
	if len(h) > 0 && h[0].Text == c.Persona {
		head = 1
	}
	body := h[head:]
	if len(body) <= c.MaxTurns {
		return h
	}
	out := make(History, 0, head+c.MaxTurns)
	out = append(out, h[:head]...)
	out = append(out, body[len(body)-c.MaxTurns:]...)
	return out
}
