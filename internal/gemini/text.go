package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/model"
)

// TextClient generates replies through the Gemini chat API.
type TextClient struct {
	client    *genai.Client
	model     string
	assembler ctxpkg.Assembler
	log       *zap.Logger
}

// NewTextClient dials the Gemini API. baseURL may be empty for the default
// endpoint.
func NewTextClient(ctx context.Context, apiKey, baseURL, modelName string, log *zap.Logger) (*TextClient, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if baseURL != "" && baseURL != DefaultBaseURL {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(baseURL, "/")))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TextClient{
		client:    client,
		model:     modelName,
		assembler: &ctxpkg.StandardAssembler{},
		log:       log.With(zap.String("provider", "gemini"), zap.String("model", modelName)),
	}, nil
}

// Close releases the underlying client.
func (c *TextClient) Close() error {
	return c.client.Close()
}

// Generate sends userText on top of history and classifies the answer.
func (c *TextClient) Generate(ctx context.Context, history ctxpkg.History, userText string, opts model.Options) model.Result {
	m := c.client.GenerativeModel(c.model)
	if opts.MaxOutputTokens > 0 {
		m.SetMaxOutputTokens(int32(opts.MaxOutputTokens))
	}

	prior, latest := c.assembler.Assemble(history, userText)
	cs := m.StartChat()
	cs.History = toContents(prior)

	c.log.Debug("sending gemini request", zap.Int("history_turns", len(prior)))
	resp, err := cs.SendMessage(ctx, genai.Text(latest))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.Blocked{Reason: blockedReason(blocked)}
		}
		return model.Failure{Err: fmt.Errorf("gemini request failed: %w", err)}
	}
	return interpret(resp)
}

func toContents(h ctxpkg.History) []*genai.Content {
	return lo.Map(h, func(t ctxpkg.Turn, _ int) *genai.Content {
		return &genai.Content{
			Role:  string(t.Role),
			Parts: []genai.Part{genai.Text(t.Text)},
		}
	})
}

func interpret(resp *genai.GenerateContentResponse) model.Result {
	if resp == nil {
		return model.Failure{Err: errors.New("gemini returned no response")}
	}
	blockReason := ""
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		blockReason = fb.BlockReason.String()
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.FinishReason == genai.FinishReasonSafety && blockReason == "" {
			blockReason = cand.FinishReason.String()
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}

	result := model.Classify(strings.TrimSpace(text.String()), blockReason)
	if s, ok := result.(model.Success); ok && resp.UsageMetadata != nil {
		s.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		s.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		return s
	}
	return result
}

func blockedReason(err *genai.BlockedError) string {
	switch {
	case err.PromptFeedback != nil:
		return err.PromptFeedback.BlockReason.String()
	case err.Candidate != nil:
		return err.Candidate.FinishReason.String()
	default:
		return "blocked"
	}
}
