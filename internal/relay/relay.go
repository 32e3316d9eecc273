package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/control"
	"github.com/stupiduntilnot/paimon/internal/db"
	"github.com/stupiduntilnot/paimon/internal/gateway"
	modelpkg "github.com/stupiduntilnot/paimon/internal/model"
)

const (
	statusCommand = "status?"
	clearCommand  = "!clearhistory"
)

var errNoImage = errors.New("image backend returned no image")

// Recorder receives audit events. db.EventLog implements it.
type Recorder interface {
	Record(eventType string, payload map[string]any) error
}

type nopRecorder struct{}

func (nopRecorder) Record(string, map[string]any) error { return nil }

// Config holds the relay's fixed parameters.
type Config struct {
	TargetChannelID string
	ImagePrefix     string
	MaxReplyChars   int
	MaxOutputTokens int
	ImageTimeout    time.Duration
	Messages        Messages
}

// Relay turns inbound chat events into generation calls and replies.
type Relay struct {
	cfg      Config
	contexts *ctxpkg.Manager
	provider modelpkg.Provider
	images   modelpkg.ImageProvider
	out      gateway.Responder
	breaker  *control.CircuitBreaker
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithImageProvider enables the image command.
func WithImageProvider(p modelpkg.ImageProvider) Option {
	return func(r *Relay) { r.images = p }
}

func WithBreaker(b *control.CircuitBreaker) Option {
	return func(r *Relay) {
		if b != nil {
			r.breaker = b
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

func New(cfg Config, contexts *ctxpkg.Manager, provider modelpkg.Provider, out gateway.Responder, opts ...Option) *Relay {
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = 2000
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2000
	}
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "imagine"
	}
	cfg.Messages = cfg.Messages.withDefaults()
	r := &Relay{
		cfg:      cfg,
		contexts: contexts,
		provider: provider,
		out:      out,
		breaker:  control.NewCircuitBreaker(0, 0),
		recorder: nopRecorder{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("relay")
	return r
}

// HandleMessage runs one event to completion. It never panics and never
// returns an error: failures are logged and answered with an apology.
func (r *Relay) HandleMessage(ctx context.Context, ev gateway.Event) {
	if ev.AuthorIsBot {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	log := r.log.With(
		zap.String("event_id", ev.ID),
		zap.String("author_id", ev.AuthorID),
		zap.String("channel_id", ev.ChannelID),
	)
	defer func() {
		if p := recover(); p != nil {
			r.fail(ctx, ev, log, fmt.Errorf("panic: %v", p))
		}
	}()
	if err := r.handle(ctx, ev, log); err != nil {
		r.fail(ctx, ev, log, err)
	}
}

func (r *Relay) handle(ctx context.Context, ev gateway.Event, log *zap.Logger) error {
	switch {
	case ev.Content == statusCommand:
		return r.status(ctx, ev)
	case ev.Content == clearCommand:
		return r.clearHistory(ctx, ev, log)
	}
	if prompt, ok := parseImageCommand(ev.Content, r.cfg.ImagePrefix); ok && r.images != nil {
		return r.image(ctx, ev, prompt, log)
	}

	if ev.ChannelID != r.cfg.TargetChannelID {
		return nil
	}
	if strings.TrimSpace(ev.Content) == "" {
		return nil
	}
	return r.converse(ctx, ev, log)
}

func (r *Relay) converse(ctx context.Context, ev gateway.Event, log *zap.Logger) error {
	key := ctxpkg.SessionKey(ev.AuthorID, ev.ChannelID)
	unlock := r.contexts.Lock(key)
	defer unlock()

	log = log.With(zap.String("session_key", key))
	r.record(db.EventMessageReceived, ev, map[string]any{
		"session_key": key,
		"chars":       utf8.RuneCountInString(ev.Content),
	})

	if err := r.out.Typing(ctx, ev); err != nil {
		log.Warn("typing indicator failed", zap.Error(err))
	}
	if !r.breaker.Allow(r.now()) {
		r.record(db.EventGenerateFailed, ev, map[string]any{"error": control.ErrCircuitOpen.Error()})
		return control.ErrCircuitOpen
	}

	h := r.contexts.Get(key)
	h = r.contexts.EnsurePersona(h)
	h = r.contexts.AppendUserTurn(h, ev.Content)

	started := r.now()
	res := r.provider.Generate(ctx, h, ev.Content, modelpkg.Options{MaxOutputTokens: r.cfg.MaxOutputTokens})
	latency := r.now().Sub(started).Milliseconds()

	switch res := res.(type) {
	case modelpkg.Failure:
		class := control.ClassifyError(res.Err)
		if r.breaker.RecordFailure(class, r.now()) {
			log.Warn("generation circuit opened", zap.String("error_class", class))
			r.record(db.EventCircuitOpened, ev, map[string]any{"error_class": class})
		}
		r.record(db.EventGenerateFailed, ev, map[string]any{
			"error":       res.Error(),
			"error_class": class,
			"latency_ms":  latency,
		})
		return fmt.Errorf("generate: %w", res)

	case modelpkg.Blocked:
		r.breaker.RecordSuccess()
		log.Info("generation blocked", zap.String("reason", res.Reason))
		r.record(db.EventGenerateBlocked, ev, map[string]any{"reason": res.Reason, "latency_ms": latency})
		return r.reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.Refusal}, "blocked")

	case modelpkg.Success:
		r.breaker.RecordSuccess()
		text := strings.TrimSpace(res.Text)
		r.record(db.EventGenerateCompleted, ev, map[string]any{
			"latency_ms":    latency,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
			"chars":         utf8.RuneCountInString(text),
		})
		if text == "" {
			return r.reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.NothingToSay}, "empty")
		}
		h = r.contexts.AppendModelTurn(h, text)
		r.contexts.Commit(key, h)
		if utf8.RuneCountInString(text) > r.cfg.MaxReplyChars {
			return r.reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.TooLong}, "too_long")
		}
		return r.reply(ctx, ev, gateway.Reply{Text: text}, "text")

	default:
		return fmt.Errorf("unexpected generation result %T", res)
	}
}

func (r *Relay) status(ctx context.Context, ev gateway.Event) error {
	m := r.cfg.Messages
	if err := r.reply(ctx, ev, gateway.Reply{Text: fmt.Sprintf(m.Greeting, ev.AuthorName, ev.AuthorID)}, "status"); err != nil {
		return err
	}
	return r.reply(ctx, ev, gateway.Reply{Text: fmt.Sprintf(m.ChannelStatus, ev.ChannelName, ev.ChannelID)}, "status")
}

func (r *Relay) clearHistory(ctx context.Context, ev gateway.Event, log *zap.Logger) error {
	key := ctxpkg.SessionKey(ev.AuthorID, ev.ChannelID)
	unlock := r.contexts.Lock(key)
	existed := r.contexts.Clear(key)
	unlock()

	log.Info("history cleared", zap.String("session_key", key), zap.Bool("existed", existed))
	r.record(db.EventHistoryCleared, ev, map[string]any{"session_key": key, "existed": existed})
	return r.reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.Cleared}, "cleared")
}

func (r *Relay) image(ctx context.Context, ev gateway.Event, prompt string, log *zap.Logger) error {
	if prompt == "" {
		return r.reply(ctx, ev, gateway.Reply{Text: fmt.Sprintf(r.cfg.Messages.ImageUsage, r.cfg.ImagePrefix)}, "image_usage")
	}

	if err := r.out.Typing(ctx, ev); err != nil {
		log.Warn("typing indicator failed", zap.Error(err))
	}
	remove, err := r.out.Placeholder(ctx, ev, r.cfg.Messages.ImageGenerating)
	if err != nil {
		log.Warn("placeholder failed", zap.Error(err))
	}
	defer func() {
		if remove != nil {
			remove()
		}
	}()

	ictx := ctx
	if r.cfg.ImageTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, r.cfg.ImageTimeout)
		defer cancel()
	}
	images, err := r.images.GenerateImage(ictx, prompt, 1)
	if err == nil && len(images) == 0 {
		err = errNoImage
	}
	if err != nil {
		log.Error("image generation failed", zap.Error(err))
		r.record(db.EventImageFailed, ev, map[string]any{"error": err.Error()})
		return r.reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.ImageFailed}, "image_failed")
	}

	img := images[0]
	r.record(db.EventImageGenerated, ev, map[string]any{"bytes": len(img.Data), "mime_type": img.MIMEType})
	return r.reply(ctx, ev, gateway.Reply{Attachment: &gateway.Attachment{
		Data:     img.Data,
		Filename: imageFilename(img.MIMEType),
		MIMEType: img.MIMEType,
	}}, "image")
}

func (r *Relay) reply(ctx context.Context, ev gateway.Event, rep gateway.Reply, outcome string) error {
	err := r.out.Reply(ctx, ev, rep)
	payload := map[string]any{"outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.record(db.EventReplySent, ev, payload)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (r *Relay) fail(ctx context.Context, ev gateway.Event, log *zap.Logger, err error) {
	log.Error("handle message failed", zap.Error(err), zap.Stack("stack"))
	if rerr := r.out.Reply(ctx, ev, gateway.Reply{Text: r.cfg.Messages.Apology}); rerr != nil {
		log.Error("apology reply failed", zap.Error(rerr))
	}
	r.record(db.EventReplySent, ev, map[string]any{"outcome": "apology", "error": err.Error()})
}

func (r *Relay) record(eventType string, ev gateway.Event, payload map[string]any) {
	payload["event_id"] = ev.ID
	if err := r.recorder.Record(eventType, payload); err != nil {
		r.log.Warn("audit record failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// parseImageCommand matches "!<prefix>" alone or followed by whitespace and
// a prompt.
func parseImageCommand(content, prefix string) (string, bool) {
	cmd := "!" + prefix
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, cmd) {
		return "", false
	}
	rest := trimmed[len(cmd):]
	if rest == "" {
		return "", true
	}
	first, _ := utf8.DecodeRuneInString(rest)
	if !unicode.IsSpace(first) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func imageFilename(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "image.jpg"
	case "image/webp":
		return "image.webp"
	default:
		return "image.png"
	}
}
