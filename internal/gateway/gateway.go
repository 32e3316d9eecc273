package gateway

import "context"

// Event is one inbound chat message, normalized across platforms.
type Event struct {
	ID          string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	ChannelID   string
	ChannelName string
	GuildID     string
	MessageID   string
	Content     string
}

// Attachment is a file sent along with a reply.
type Attachment struct {
	Data     []byte
	Filename string
	MIMEType string
}

// Reply is an outbound message answering an Event.
type Reply struct {
	Text       string
	Attachment *Attachment
}

// Responder delivers output for an inbound Event.
type Responder interface {
	Reply(ctx context.Context, ev Event, r Reply) error
	Typing(ctx context.Context, ev Event) error
	// Placeholder posts a temporary message and returns a func that removes it.
	Placeholder(ctx context.Context, ev Event, text string) (func(), error)
}

// Handler consumes inbound events. Gateways may call it concurrently.
type Handler interface {
	HandleMessage(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) HandleMessage(ctx context.Context, ev Event) { f(ctx, ev) }

// Gateway is the chat platform connection used by the bot.
type Gateway interface {
	Responder
	// Run delivers events to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}
