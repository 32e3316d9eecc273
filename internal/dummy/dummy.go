package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/gateway"
	modelpkg "github.com/stupiduntilnot/paimon/internal/model"
)

type action struct {
	kind string
	arg  string
}

var actionPrefixes = []string{"err:", "sleep:", "msg:", "msgb64:", "blocked:"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch token {
		case "ok", "empty", "blocked":
			actions = append(actions, action{kind: token})
			continue
		}
		a, ok := prefixed(token)
		if !ok {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func prefixed(token string) (action, bool) {
	for _, p := range actionPrefixes {
		if strings.HasPrefix(token, p) {
			return action{kind: strings.TrimSuffix(p, ":"), arg: strings.TrimPrefix(token, p)}, true
		}
	}
	return action{}, false
}

type scriptRunner struct {
	mu      sync.Mutex
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action; the last one repeats once the script is exhausted.
func (r *scriptRunner) next() action {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepFor(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Provider is a scripted text backend.
//
// Script actions: ok, empty, blocked, blocked:<reason>, err:<class>,
// sleep:<ms>, msg:<text>, msgb64:<base64 text>.
type Provider struct {
	script *scriptRunner

	mu    sync.Mutex
	calls []Call
}

// Call records the input of one Generate invocation.
type Call struct {
	History  ctxpkg.History
	UserText string
	Options  modelpkg.Options
}

func NewProvider(script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{script: runner}, nil
}

func (p *Provider) Generate(ctx context.Context, history ctxpkg.History, userText string, opts modelpkg.Options) modelpkg.Result {
	p.mu.Lock()
	p.calls = append(p.calls, Call{History: history.Clone(), UserText: userText, Options: opts})
	p.mu.Unlock()

	a := p.script.next()
	switch a.kind {
	case "ok":
		return modelpkg.Success{Text: "dummy-ok", InputTokens: 1, OutputTokens: 1}
	case "empty":
		return modelpkg.Success{Text: ""}
	case "blocked":
		return modelpkg.Blocked{Reason: emptyAs(a.arg, "SAFETY")}
	case "err":
		return modelpkg.Failure{Err: fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))}
	case "sleep":
		if err := sleepFor(ctx, a.arg); err != nil {
			return modelpkg.Failure{Err: err}
		}
		return modelpkg.Success{Text: "dummy-after-sleep", InputTokens: 1, OutputTokens: 1}
	case "msg":
		return modelpkg.Classify(strings.TrimSpace(a.arg), "")
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.Failure{Err: fmt.Errorf("dummy provider msgb64 decode failed: %w", err)}
		}
		return modelpkg.Classify(strings.TrimSpace(string(raw)), "")
	default:
		return modelpkg.Success{Text: "dummy-ok", InputTokens: 1, OutputTokens: 1}
	}
}

// Calls returns every Generate input seen so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// pngStub is the 8-byte PNG signature, enough for clients sniffing the type.
var pngStub = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ImageProvider is a scripted image backend.
//
// Script actions: ok, empty (no predictions), err:<class>, sleep:<ms>,
// msgb64:<base64 image bytes>.
type ImageProvider struct {
	script *scriptRunner
}

func NewImageProvider(script string) (*ImageProvider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &ImageProvider{script: runner}, nil
}

func (p *ImageProvider) GenerateImage(ctx context.Context, prompt string, sampleCount int) ([]modelpkg.Image, error) {
	a := p.script.next()
	switch a.kind {
	case "empty", "blocked":
		return nil, nil
	case "err":
		return nil, fmt.Errorf("dummy image error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepFor(ctx, a.arg); err != nil {
			return nil, err
		}
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy image msgb64 decode failed: %w", err)
		}
		return []modelpkg.Image{{Data: raw, MIMEType: "image/png"}}, nil
	}
	return []modelpkg.Image{{Data: append([]byte(nil), pngStub...), MIMEType: "image/png"}}, nil
}

// Sent is one output captured by the dummy Gateway.
type Sent struct {
	Kind  string // reply, typing, placeholder, placeholder_removed
	Event gateway.Event
	Reply gateway.Reply
}

// Gateway replays a scripted list of inbound messages and records output.
//
// Script actions: msg:<text>, msgb64:<base64 text>, sleep:<ms>.
type Gateway struct {
	channelID string
	actions   []action
	log       *zap.Logger

	mu   sync.Mutex
	sent []Sent
}

func NewGateway(channelID, script string, log *zap.Logger) (*Gateway, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{channelID: channelID, actions: actions, log: log.Named("dummy_gateway")}, nil
}

// Run delivers the scripted messages in order, then blocks until ctx ends.
func (g *Gateway) Run(ctx context.Context, h gateway.Handler) error {
	var n int
	for _, a := range g.actions {
		var text string
		switch a.kind {
		case "sleep":
			if err := sleepFor(ctx, a.arg); err != nil {
				return nil
			}
			continue
		case "msg":
			text = a.arg
		case "msgb64":
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return fmt.Errorf("dummy gateway msgb64 decode failed: %w", err)
			}
			text = string(raw)
		default:
			continue
		}
		n++
		h.HandleMessage(ctx, gateway.Event{
			AuthorID:    "dummy-user",
			AuthorName:  "Dummy",
			ChannelID:   g.channelID,
			ChannelName: "dummy",
			MessageID:   strconv.Itoa(n),
			Content:     text,
		})
	}
	<-ctx.Done()
	return nil
}

func (g *Gateway) record(s Sent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, s)
}

func (g *Gateway) Reply(_ context.Context, ev gateway.Event, r gateway.Reply) error {
	g.record(Sent{Kind: "reply", Event: ev, Reply: r})
	g.log.Info("reply", zap.String("message_id", ev.MessageID), zap.String("text", r.Text), zap.Bool("attachment", r.Attachment != nil))
	return nil
}

func (g *Gateway) Typing(_ context.Context, ev gateway.Event) error {
	g.record(Sent{Kind: "typing", Event: ev})
	return nil
}

func (g *Gateway) Placeholder(_ context.Context, ev gateway.Event, text string) (func(), error) {
	g.record(Sent{Kind: "placeholder", Event: ev, Reply: gateway.Reply{Text: text}})
	return func() {
		g.record(Sent{Kind: "placeholder_removed", Event: ev})
	}, nil
}

// Sent returns everything recorded so far.
func (g *Gateway) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

// Replies returns only the reply texts.
func (g *Gateway) Replies() []string {
	var out []string
	for _, s := range g.Sent() {
		if s.Kind == "reply" {
			out = append(out, s.Reply.Text)
		}
	}
	return out
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
