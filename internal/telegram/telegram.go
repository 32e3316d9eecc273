package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/paimon/internal/gateway"
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
	Date      int64  `json:"date"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request: %w", err)
	}
	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat, replying to
// replyTo when it is non-zero, and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, 4096),
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	var msg Message
	if err := c.postJSON(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.postJSON(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// DeleteMessage removes a message previously sent by the bot.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.postJSON(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

// SendPhoto uploads an image with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, filename string, data []byte, caption string, replyTo int64) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = w.WriteField("caption", truncate(caption, 1024))
	}
	if replyTo != 0 {
		_ = w.WriteField("reply_to_message_id", strconv.FormatInt(replyTo, 10))
	}
	part, err := w.CreateFormFile("photo", filename)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("telegram sendPhoto form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram sendPhoto form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendPhoto", &body)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, "sendPhoto", nil)
}

func (c *Client) postJSON(ctx context.Context, method string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telegram %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram %s failed (status %d): %s", method, resp.StatusCode, tgResp.Description)
	}
	if out == nil || len(tgResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// Gateway adapts the Bot API to gateway.Gateway using long polling.
type Gateway struct {
	client      *Client
	pollTimeout int
	retryDelay  time.Duration
	log         *zap.Logger
}

func NewGateway(client *Client, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		client:      client,
		pollTimeout: 30,
		retryDelay:  time.Second,
		log:         log.With(zap.String("gateway", "telegram")),
	}
}

// Run polls for updates until ctx is done. Each message is handled in its
// own goroutine; Run waits for in-flight handlers before returning.
func (g *Gateway) Run(ctx context.Context, h gateway.Handler) error {
	var (
		wg     sync.WaitGroup
		offset int64
	)
	defer wg.Wait()
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := g.client.GetUpdates(ctx, offset, g.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-time.After(g.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			ev := toEvent(u.Message)
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.HandleMessage(ctx, ev)
			}()
		}
	}
}

func (g *Gateway) Reply(ctx context.Context, ev gateway.Event, r gateway.Reply) error {
	chatID, replyTo, err := ids(ev)
	if err != nil {
		return err
	}
	if a := r.Attachment; a != nil {
		return g.client.SendPhoto(ctx, chatID, a.Filename, a.Data, r.Text, replyTo)
	}
	_, err = g.client.SendMessage(ctx, chatID, r.Text, replyTo)
	return err
}

func (g *Gateway) Typing(ctx context.Context, ev gateway.Event) error {
	chatID, _, err := ids(ev)
	if err != nil {
		return err
	}
	return g.client.SendChatAction(ctx, chatID, "typing")
}

func (g *Gateway) Placeholder(ctx context.Context, ev gateway.Event, text string) (func(), error) {
	chatID, replyTo, err := ids(ev)
	if err != nil {
		return func() {}, err
	}
	id, err := g.client.SendMessage(ctx, chatID, text, replyTo)
	if err != nil {
		return func() {}, err
	}
	return func() {
		if err := g.client.DeleteMessage(context.Background(), chatID, id); err != nil {
			g.log.Warn("placeholder delete failed", zap.Int64("message_id", id), zap.Error(err))
		}
	}, nil
}

func toEvent(m *Message) gateway.Event {
	ev := gateway.Event{
		ChannelID:   strconv.FormatInt(m.Chat.ID, 10),
		ChannelName: m.Chat.Title,
		MessageID:   strconv.FormatInt(m.MessageID, 10),
		Content:     m.Text,
	}
	if ev.ChannelName == "" {
		ev.ChannelName = m.Chat.Username
	}
	if m.From != nil {
		ev.AuthorID = strconv.FormatInt(m.From.ID, 10)
		ev.AuthorIsBot = m.From.IsBot
		ev.AuthorName = m.From.FirstName
		if ev.AuthorName == "" {
			ev.AuthorName = m.From.Username
		}
	}
	return ev
}

func ids(ev gateway.Event) (chatID, messageID int64, err error) {
	chatID, err = strconv.ParseInt(ev.ChannelID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id %q: %w", ev.ChannelID, err)
	}
	if ev.MessageID != "" {
		messageID, _ = strconv.ParseInt(ev.MessageID, 10, 64)
	}
	return chatID, messageID, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
