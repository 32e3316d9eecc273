package relay

// Messages are the fixed user-facing replies.
type Messages struct {
	Greeting        string // %s display name, %s author id
	ChannelStatus   string // %s channel name, %s channel id
	Cleared         string
	NothingToSay    string
	Refusal         string
	TooLong         string
	Apology         string
	ImageUsage      string // %s image prefix
	ImageGenerating string
	ImageFailed     string
}

// DefaultMessages is the Paimon voice used when a field is left empty.
var DefaultMessages = Messages{
	Greeting:        "Hello %s %s",
	ChannelStatus:   "Paimon is working in channel %s (ID: %s)",
	Cleared:         "Your conversation history has been cleared!",
	NothingToSay:    "Paimon has nothing to say right now.",
	Refusal:         "Sorry, Paimon can't answer that. Let's keep things safe and appropriate!",
	TooLong:         "Paimon has too much to say to fit in a single message!",
	Apology:         "Something went wrong. Please try again later.",
	ImageUsage:      "Usage: !%s <prompt>",
	ImageGenerating: "Paimon is drawing your picture...",
	ImageFailed:     "Sorry, Paimon couldn't make that picture.",
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&m.Greeting, d.Greeting)
	fill(&m.ChannelStatus, d.ChannelStatus)
	fill(&m.Cleared, d.Cleared)
	fill(&m.NothingToSay, d.NothingToSay)
	fill(&m.Refusal, d.Refusal)
	fill(&m.TooLong, d.TooLong)
	fill(&m.Apology, d.Apology)
	fill(&m.ImageUsage, d.ImageUsage)
	fill(&m.ImageGenerating, d.ImageGenerating)
	fill(&m.ImageFailed, d.ImageFailed)
	return m
}
