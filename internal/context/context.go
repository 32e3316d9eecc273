package context

// Persister loads and saves the whole context store from durable storage.
type Persister interface {
	Load() (map[string]History, error)
	Save(sessions map[string]History) error
}

// Compressor reduces a history to fit within constraints.
type Compressor interface {
	Compress(h History) History
}

// Assembler splits a working history into what a chat-style backend
// needs: the prior turns and the newest user text.
type Assembler interface {
	Assemble(h History, userText string) (prior History, latest string)
}
