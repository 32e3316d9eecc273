package control

import (
	"context"
	"errors"
	"strings"
)

// ErrCircuitOpen is reported when a call is skipped because the breaker is open.
var ErrCircuitOpen = errors.New("generation backend circuit open")

// Error classes used as breaker keys.
const (
	ClassTimeout     = "timeout"
	ClassCanceled    = "canceled"
	ClassProviderAPI = "provider_api"
)

// ClassifyError maps a backend error to a breaker class.
func ClassifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return ClassTimeout
	default:
		return ClassProviderAPI
	}
}
