package model

import (
	"context"
	"strings"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
)

// SafetyMarker is the text some backends return instead of a reply when
// the output was withheld by a safety policy.
const SafetyMarker = "Response was blocked due to SAFETY"

// Options tunes a single generation call.
type Options struct {
	MaxOutputTokens int
}

// Result is the outcome of a generation call: Success, Blocked or Failure.
type Result interface {
	isResult()
}

// Success carries generated text. Text may be empty.
type Success struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Blocked means the backend withheld the reply on policy grounds.
type Blocked struct {
	Reason string
}

// Failure wraps a transport or decoding error.
type Failure struct {
	Err error
}

func (Success) isResult() {}
func (Blocked) isResult() {}
func (Failure) isResult() {}

func (f Failure) Error() string { return f.Err.Error() }
func (f Failure) Unwrap() error { return f.Err }

// Provider is the text generation backend used by the relay.
type Provider interface {
	Generate(ctx context.Context, history ctxpkg.History, userText string, opts Options) Result
}

// Image is one generated picture.
type Image struct {
	Data     []byte
	MIMEType string
}

// ImageProvider is the image generation backend.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string, sampleCount int) ([]Image, error)
}

// Classify turns raw backend output into a Result. A non-empty blockReason
// or the safety marker inside text both mean Blocked.
func Classify(text, blockReason string) Result {
	if blockReason != "" {
		return Blocked{Reason: blockReason}
	}
	if strings.Contains(text, SafetyMarker) {
		return Blocked{Reason: "SAFETY"}
	}
	return Success{Text: text}
}
