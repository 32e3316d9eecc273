package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/control"
	"github.com/stupiduntilnot/paimon/internal/db"
	"github.com/stupiduntilnot/paimon/internal/dummy"
	"github.com/stupiduntilnot/paimon/internal/gateway"
	modelpkg "github.com/stupiduntilnot/paimon/internal/model"
)

type countingPersister struct {
	mu    sync.Mutex
	data  map[string]ctxpkg.History
	saves int
}

func (p *countingPersister) Load() (map[string]ctxpkg.History, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ctxpkg.History, len(p.data))
	for k, h := range p.data {
		out[k] = h.Clone()
	}
	return out, nil
}

func (p *countingPersister) Save(s map[string]ctxpkg.History) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.data = s
	return nil
}

func (p *countingPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Record(eventType string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type panicProvider struct{}

func (panicProvider) Generate(context.Context, ctxpkg.History, string, modelpkg.Options) modelpkg.Result {
	panic("boom")
}

type fixture struct {
	relay     *Relay
	contexts  *ctxpkg.Manager
	persister *countingPersister
	provider  *dummy.Provider
	out       *dummy.Gateway
	recorder  *recorder
}

func newFixture(t *testing.T, script string, opts ...Option) *fixture {
	t.Helper()
	p := &countingPersister{}
	contexts := ctxpkg.NewManager(p)
	provider, err := dummy.NewProvider(script)
	require.NoError(t, err)
	out, err := dummy.NewGateway("C1", "", nil)
	require.NoError(t, err)
	rec := &recorder{}
	opts = append([]Option{WithRecorder(rec)}, opts...)
	r := New(Config{TargetChannelID: "C1"}, contexts, provider, out, opts...)
	return &fixture{relay: r, contexts: contexts, persister: p, provider: provider, out: out, recorder: rec}
}

func msg(author, channel, content string) gateway.Event {
	return gateway.Event{
		AuthorID:    author,
		AuthorName:  "name-" + author,
		ChannelID:   channel,
		ChannelName: "general",
		MessageID:   "M-" + content,
		Content:     content,
	}
}

func TestHandleMessage_HelloCommitsAndReplies(t *testing.T) {
	f := newFixture(t, "msg:Hi there!")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))

	require.Equal(t, []string{"Hi there!"}, f.out.Replies())
	h := f.contexts.Get("U1_C1")
	require.Equal(t, ctxpkg.History{
		ctxpkg.PersonaTurn(ctxpkg.DefaultPersona),
		ctxpkg.UserTurn("hello"),
		ctxpkg.ModelTurn("Hi there!"),
	}, h)
	require.Equal(t, 1, f.persister.Saves())

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "hello", calls[0].UserText)
	require.Equal(t, 2000, calls[0].Options.MaxOutputTokens)
	require.Len(t, calls[0].History, 2)
	require.Equal(t, ctxpkg.DefaultPersona, calls[0].History[0].Text)

	require.Equal(t, []string{
		db.EventMessageReceived,
		db.EventGenerateCompleted,
		db.EventReplySent,
	}, f.recorder.Events())
}

func TestHandleMessage_SecondTurnKeepsSinglePersona(t *testing.T) {
	f := newFixture(t, "msg:one,msg:two")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "a"))
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "b"))

	h := f.contexts.Get("U1_C1")
	require.Len(t, h, 5)
	require.Equal(t, ctxpkg.DefaultPersona, h[0].Text)
	for _, turn := range h[1:] {
		require.NotEqual(t, ctxpkg.DefaultPersona, turn.Text)
	}
	require.Equal(t, "two", h[4].Text)
}

func TestHandleMessage_EmptyOutputCommitsNothing(t *testing.T) {
	f := newFixture(t, "msg:   ")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))

	require.Equal(t, []string{DefaultMessages.NothingToSay}, f.out.Replies())
	require.Equal(t, 0, f.contexts.Len())
	require.Equal(t, 0, f.persister.Saves())
}

func TestHandleMessage_BlockedCommitsNothing(t *testing.T) {
	f := newFixture(t, "blocked:SAFETY")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))

	require.Equal(t, []string{DefaultMessages.Refusal}, f.out.Replies())
	require.Equal(t, 0, f.contexts.Len())
	require.Contains(t, f.recorder.Events(), db.EventGenerateBlocked)
}

func TestHandleMessage_SafetyMarkerIsBlocked(t *testing.T) {
	f := newFixture(t, "msg:"+modelpkg.SafetyMarker)
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))
	require.Equal(t, []string{DefaultMessages.Refusal}, f.out.Replies())
	require.Equal(t, 0, f.contexts.Len())
}

func TestHandleMessage_TooLongAppendsThenNotifies(t *testing.T) {
	long := strings.Repeat("a", 2001)
	f := newFixture(t, "msg:"+long)
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))

	require.Equal(t, []string{DefaultMessages.TooLong}, f.out.Replies())
	h := f.contexts.Get("U1_C1")
	require.Len(t, h, 3)
	require.Equal(t, ctxpkg.ModelTurn(long), h[2])
	require.Equal(t, 1, f.persister.Saves())
}

func TestHandleMessage_ExactLimitIsSent(t *testing.T) {
	text := strings.Repeat("é", 2000)
	f := newFixture(t, "msg:"+text)
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))
	require.Equal(t, []string{text}, f.out.Replies())
}

func TestHandleMessage_OtherChannelIgnored(t *testing.T) {
	f := newFixture(t, "msg:hi")
	f.relay.HandleMessage(context.Background(), msg("U1", "C2", "hello"))

	require.Empty(t, f.out.Sent())
	require.Empty(t, f.provider.Calls())
	require.Equal(t, 0, f.contexts.Len())
	require.Equal(t, 0, f.persister.Saves())
}

func TestHandleMessage_BlankIgnored(t *testing.T) {
	f := newFixture(t, "msg:hi")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", " \n\t "))
	require.Empty(t, f.out.Sent())
	require.Empty(t, f.provider.Calls())
}

func TestHandleMessage_BotAuthorIgnored(t *testing.T) {
	f := newFixture(t, "msg:hi")
	ev := msg("B1", "C1", "status?")
	ev.AuthorIsBot = true
	f.relay.HandleMessage(context.Background(), ev)
	require.Empty(t, f.out.Sent())
	require.Empty(t, f.recorder.Events())
}

func TestHandleMessage_ClearHistory(t *testing.T) {
	f := newFixture(t, "msg:hi")
	f.contexts.Commit("U2_C1", ctxpkg.History{ctxpkg.PersonaTurn(ctxpkg.DefaultPersona), ctxpkg.UserTurn("x")})
	f.contexts.Commit("U1_C1", ctxpkg.History{ctxpkg.UserTurn("keep")})
	before := f.persister.Saves()

	f.relay.HandleMessage(context.Background(), msg("U2", "C1", "!clearhistory"))

	require.Equal(t, []string{DefaultMessages.Cleared}, f.out.Replies())
	require.Equal(t, []string{"U1_C1"}, f.contexts.Keys())
	require.Equal(t, before+1, f.persister.Saves())
	require.Empty(t, f.provider.Calls())
}

func TestHandleMessage_ClearHistoryOutsideTargetChannel(t *testing.T) {
	f := newFixture(t, "msg:hi")
	f.contexts.Commit("U2_C9", ctxpkg.History{ctxpkg.UserTurn("x")})
	f.relay.HandleMessage(context.Background(), msg("U2", "C9", "!clearhistory"))
	require.Equal(t, []string{DefaultMessages.Cleared}, f.out.Replies())
	require.Equal(t, 0, f.contexts.Len())
}

func TestHandleMessage_Status(t *testing.T) {
	f := newFixture(t, "msg:hi")
	f.relay.HandleMessage(context.Background(), msg("U1", "C7", "status?"))

	replies := f.out.Replies()
	require.Len(t, replies, 2)
	require.Contains(t, replies[0], "name-U1")
	require.Contains(t, replies[0], "U1")
	require.Contains(t, replies[1], "general")
	require.Contains(t, replies[1], "C7")
	require.Empty(t, f.provider.Calls())
}

func TestHandleMessage_FailureApologizesAndLeavesStore(t *testing.T) {
	f := newFixture(t, "err:provider_api")
	f.contexts.Commit("U1_C1", ctxpkg.History{ctxpkg.PersonaTurn(ctxpkg.DefaultPersona), ctxpkg.UserTurn("a"), ctxpkg.ModelTurn("b")})
	before := f.contexts.Get("U1_C1")
	saves := f.persister.Saves()

	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))

	require.Equal(t, []string{DefaultMessages.Apology}, f.out.Replies())
	require.Equal(t, before, f.contexts.Get("U1_C1"))
	require.Equal(t, saves, f.persister.Saves())
	require.Equal(t, []string{
		db.EventMessageReceived,
		db.EventGenerateFailed,
		db.EventReplySent,
	}, f.recorder.Events())
}

func TestHandleMessage_CircuitOpensAfterThreshold(t *testing.T) {
	breaker := control.NewCircuitBreaker(2, time.Hour)
	f := newFixture(t, "err:provider_api", WithBreaker(breaker))
	for i := 0; i < 3; i++ {
		f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hello"))
	}

	require.Equal(t, control.CircuitOpen, breaker.State())
	require.Len(t, f.provider.Calls(), 2, "open circuit skips the backend")
	require.Equal(t, []string{DefaultMessages.Apology, DefaultMessages.Apology, DefaultMessages.Apology}, f.out.Replies())
	require.Contains(t, f.recorder.Events(), db.EventCircuitOpened)
}

func TestHandleMessage_PanicIsRecovered(t *testing.T) {
	p := &countingPersister{}
	contexts := ctxpkg.NewManager(p)
	out, err := dummy.NewGateway("C1", "", nil)
	require.NoError(t, err)
	r := New(Config{TargetChannelID: "C1"}, contexts, panicProvider{}, out)

	require.NotPanics(t, func() {
		r.HandleMessage(context.Background(), msg("U1", "C1", "hello"))
	})
	require.Equal(t, []string{DefaultMessages.Apology}, out.Replies())
	require.Equal(t, 0, contexts.Len())

	// The session lock was released during unwinding.
	done := make(chan struct{})
	go func() {
		contexts.Lock("U1_C1")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session lock still held after panic")
	}
}

func TestHandleMessage_PersonaFromReloadNotDuplicated(t *testing.T) {
	p := &countingPersister{data: map[string]ctxpkg.History{
		"U1_C1": {ctxpkg.PersonaTurn(ctxpkg.DefaultPersona), ctxpkg.UserTurn("a"), ctxpkg.ModelTurn("b")},
	}}
	contexts := ctxpkg.NewManager(p)
	require.NoError(t, contexts.LoadAll())
	provider, err := dummy.NewProvider("msg:c")
	require.NoError(t, err)
	out, err := dummy.NewGateway("C1", "", nil)
	require.NoError(t, err)

	New(Config{TargetChannelID: "C1"}, contexts, provider, out).
		HandleMessage(context.Background(), msg("U1", "C1", "next"))

	h := contexts.Get("U1_C1")
	require.Len(t, h, 5)
	require.Equal(t, ctxpkg.DefaultPersona, h[0].Text)
	require.Equal(t, "a", h[1].Text)
}

func TestHandleMessage_ConcurrentSameSession(t *testing.T) {
	f := newFixture(t, "msg:ok")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.relay.HandleMessage(context.Background(), msg("U1", "C1", "hi"))
		}()
	}
	wg.Wait()

	h := f.contexts.Get("U1_C1")
	require.Len(t, h, 1+2*10)
	require.Equal(t, ctxpkg.DefaultPersona, h[0].Text)
	for i := 1; i < len(h); i += 2 {
		require.Equal(t, ctxpkg.RoleUser, h[i].Role)
		require.Equal(t, ctxpkg.RoleModel, h[i+1].Role)
	}
}

type failingResponder struct {
	*dummy.Gateway
}

func (failingResponder) Typing(context.Context, gateway.Event) error {
	return errors.New("typing unavailable")
}

func TestHandleMessage_TypingFailureIsNotFatal(t *testing.T) {
	p := &countingPersister{}
	contexts := ctxpkg.NewManager(p)
	provider, err := dummy.NewProvider("msg:fine")
	require.NoError(t, err)
	g, err := dummy.NewGateway("C1", "", nil)
	require.NoError(t, err)

	New(Config{TargetChannelID: "C1"}, contexts, provider, failingResponder{g}).
		HandleMessage(context.Background(), msg("U1", "C1", "hello"))
	require.Equal(t, []string{"fine"}, g.Replies())
}

func newImageFixture(t *testing.T, imageScript string) *fixture {
	t.Helper()
	images, err := dummy.NewImageProvider(imageScript)
	require.NoError(t, err)
	return newFixture(t, "msg:text", WithImageProvider(images))
}

func TestImageCommand_Success(t *testing.T) {
	f := newImageFixture(t, "ok")
	f.relay.HandleMessage(context.Background(), msg("U1", "C9", "!imagine a flying fairy"))

	sent := f.out.Sent()
	kinds := make([]string, 0, len(sent))
	for _, s := range sent {
		kinds = append(kinds, s.Kind)
	}
	require.Equal(t, []string{"typing", "placeholder", "reply", "placeholder_removed"}, kinds)
	att := sent[2].Reply.Attachment
	require.NotNil(t, att)
	require.Equal(t, "image.png", att.Filename)
	require.NotEmpty(t, att.Data)
	require.Empty(t, f.provider.Calls())
	require.Equal(t, 0, f.contexts.Len())
	require.Contains(t, f.recorder.Events(), db.EventImageGenerated)
}

func TestImageCommand_FailureRemovesPlaceholder(t *testing.T) {
	for _, script := range []string{"err:quota", "empty"} {
		t.Run(script, func(t *testing.T) {
			f := newImageFixture(t, script)
			f.relay.HandleMessage(context.Background(), msg("U1", "C1", "!imagine cat"))

			require.Equal(t, []string{DefaultMessages.ImageFailed}, f.out.Replies())
			sent := f.out.Sent()
			require.Equal(t, "placeholder_removed", sent[len(sent)-1].Kind)
			require.Equal(t, 0, f.contexts.Len())
			require.Contains(t, f.recorder.Events(), db.EventImageFailed)
		})
	}
}

func TestImageCommand_EmptyPromptShowsUsage(t *testing.T) {
	f := newImageFixture(t, "ok")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "!imagine   "))
	require.Equal(t, []string{"Usage: !imagine <prompt>"}, f.out.Replies())
	for _, s := range f.out.Sent() {
		require.NotEqual(t, "placeholder", s.Kind)
	}
}

func TestImageCommand_WithoutImageProviderIsPlainText(t *testing.T) {
	f := newFixture(t, "msg:reply")
	f.relay.HandleMessage(context.Background(), msg("U1", "C1", "!imagine cat"))
	require.Equal(t, []string{"reply"}, f.out.Replies())
}

func TestParseImageCommand(t *testing.T) {
	cases := []struct {
		in     string
		prompt string
		ok     bool
	}{
		{"!imagine cat", "cat", true},
		{"!imagine", "", true},
		{"  !imagine\tbig  dog ", "big  dog", true},
		{"!imagined cat", "", false},
		{"imagine cat", "", false},
		{"hello !imagine cat", "", false},
	}
	for _, tc := range cases {
		prompt, ok := parseImageCommand(tc.in, "imagine")
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.prompt, prompt, tc.in)
	}
}

func TestMessagesWithDefaults(t *testing.T) {
	m := Messages{Cleared: "gone"}.withDefaults()
	require.Equal(t, "gone", m.Cleared)
	require.Equal(t, DefaultMessages.Apology, m.Apology)
}
