package dummy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/gateway"
	modelpkg "github.com/stupiduntilnot/paimon/internal/model"
)

func TestNewProvider_InvalidScript(t *testing.T) {
	_, err := NewProvider("boom")
	require.Error(t, err)
}

func TestProvider_ScriptedResponses(t *testing.T) {
	p, err := NewProvider("err:provider_api,msg:hello,empty,blocked,msg:x Response was blocked due to SAFETY")
	require.NoError(t, err)
	h := ctxpkg.History{ctxpkg.UserTurn("hi")}

	res := p.Generate(context.Background(), h, "hi", modelpkg.Options{})
	f, ok := res.(modelpkg.Failure)
	require.True(t, ok, "got %#v", res)
	require.Contains(t, f.Error(), "provider_api")

	require.Equal(t, "hello", p.Generate(context.Background(), h, "hi", modelpkg.Options{}).(modelpkg.Success).Text)
	require.Equal(t, "", p.Generate(context.Background(), h, "hi", modelpkg.Options{}).(modelpkg.Success).Text)
	require.Equal(t, modelpkg.Blocked{Reason: "SAFETY"}, p.Generate(context.Background(), h, "hi", modelpkg.Options{}))
	require.IsType(t, modelpkg.Blocked{}, p.Generate(context.Background(), h, "hi", modelpkg.Options{}))

	// Exhausted scripts repeat the last action.
	require.IsType(t, modelpkg.Blocked{}, p.Generate(context.Background(), h, "hi", modelpkg.Options{}))
	require.Len(t, p.Calls(), 6)
}

func TestProvider_RecordsCopyOfHistory(t *testing.T) {
	p, err := NewProvider("ok")
	require.NoError(t, err)
	h := ctxpkg.History{ctxpkg.UserTurn("hi")}
	p.Generate(context.Background(), h, "hi", modelpkg.Options{MaxOutputTokens: 7})
	h[0].Text = "changed"

	calls := p.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "hi", calls[0].History[0].Text)
	require.Equal(t, 7, calls[0].Options.MaxOutputTokens)
}

func TestProvider_MsgB64Action(t *testing.T) {
	p, err := NewProvider("msgb64:aGVsbG8=") // "hello"
	require.NoError(t, err)
	res := p.Generate(context.Background(), nil, "hi", modelpkg.Options{})
	require.Equal(t, "hello", res.(modelpkg.Success).Text)
}

func TestProvider_SleepHonorsContext(t *testing.T) {
	p, err := NewProvider("sleep:5000")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Generate(ctx, nil, "hi", modelpkg.Options{})
	require.IsType(t, modelpkg.Failure{}, res)
}

func TestImageProvider_Script(t *testing.T) {
	p, err := NewImageProvider("ok,empty,err:quota")
	require.NoError(t, err)

	imgs, err := p.GenerateImage(context.Background(), "cat", 1)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "image/png", imgs[0].MIMEType)

	imgs, err = p.GenerateImage(context.Background(), "cat", 1)
	require.NoError(t, err)
	require.Empty(t, imgs)

	_, err = p.GenerateImage(context.Background(), "cat", 1)
	require.ErrorContains(t, err, "quota")
}

func TestGateway_ReplaysScriptAndRecords(t *testing.T) {
	g, err := NewGateway("C1", "msg:hello,sleep:1,msgb64:d29ybGQ=", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []gateway.Event
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := gateway.HandlerFunc(func(ctx context.Context, ev gateway.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		_ = g.Typing(ctx, ev)
		_ = g.Reply(ctx, ev, gateway.Reply{Text: "echo " + ev.Content})
		if len(got) == 2 {
			cancel()
		}
	})
	require.NoError(t, g.Run(ctx, h))

	require.Len(t, got, 2)
	require.Equal(t, "hello", got[0].Content)
	require.Equal(t, "world", got[1].Content)
	require.Equal(t, "C1", got[1].ChannelID)
	require.Equal(t, []string{"echo hello", "echo world"}, g.Replies())
	require.Len(t, g.Sent(), 4)
}

func TestGateway_PlaceholderRemoval(t *testing.T) {
	g, err := NewGateway("C1", "", nil)
	require.NoError(t, err)
	ev := gateway.Event{MessageID: "1"}
	remove, err := g.Placeholder(context.Background(), ev, "generating")
	require.NoError(t, err)
	remove()

	sent := g.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "placeholder", sent[0].Kind)
	require.Equal(t, "generating", sent[0].Reply.Text)
	require.Equal(t, "placeholder_removed", sent[1].Kind)
}
