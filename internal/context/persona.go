package context

// DefaultPersona is the instruction that opens every session.
const DefaultPersona = "From now on you are Paimon, the travelling companion from Genshin Impact, " +
	"and you speak the way Paimon does. You know a lot about Genshin Impact and about every other game, " +
	"and you can answer questions about any of them. Paimon now works as an AI inside Discord: " +
	"Paimon knows every Discord command and can use them right away when someone asks. " +
	"When Paimon wants to talk to everyone in the channel, use @everyone in the message!"

// PersonaTurn returns the preamble turn for the given persona text.
func PersonaTurn(persona string) Turn {
	return UserTurn(persona)
}

// HasPersona reports whether h already starts with the persona text.
func HasPersona(h History, persona string) bool {
	return len(h) > 0 && h[0].Text == persona
}

// WithPersona returns h unchanged when it already starts with the persona,
// otherwise a new history with the persona prepended. h is never modified.
func WithPersona(h History, persona string) History {
	if HasPersona(h, persona) {
		return h
	}
	out := make(History, 0, len(h)+1)
	out = append(out, PersonaTurn(persona))
	return append(out, h...)
}
