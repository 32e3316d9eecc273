package context

// StandardAssembler drops a trailing user turn that repeats userText so
// chat-style backends do not see the newest message twice.
type StandardAssembler struct{}

// Assemble returns the prior turns and the text to send as the new message.
func (a *StandardAssembler) Assemble(h History, userText string) (History, string) {
	prior := h
	if n := len(h); n > 0 && h[n-1].Role == RoleUser && h[n-1].Text == userText {
		prior = h[:n-1]
	}
	return prior.Clone(), userText
}
