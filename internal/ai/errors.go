package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoModels is returned when neither a preferred model nor a default
	// model list is configured.
	ErrNoModels = errors.New("no models configured")
	// ErrEmptyContent marks a 2xx response without usable text.
	ErrEmptyContent = errors.New("empty content")
	// ErrUnparseable marks content that could not be salvaged into JSON.
	ErrUnparseable = errors.New("unparseable content")
)

// Failure describes one failed attempt.
type Failure struct {
	Model  string
	Status int
	Body   string
	Parsed any
	Err    error
}

func (f Failure) String() string {
	var parts []string
	if f.Model != "" {
		parts = append(parts, "model "+f.Model)
	}
	if f.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", f.Status))
	}
	if f.Err != nil {
		parts = append(parts, f.Err.Error())
	}
	if f.Body != "" {
		parts = append(parts, "body "+f.Body)
	}
	return strings.Join(parts, ", ")
}

// ExhaustedError is returned when every model and attempt failed. Last holds
// the most recent failure for diagnostics.
type ExhaustedError struct {
	Models   []string
	Attempts int
	Last     Failure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("ai request failed after %d attempts across models %s: %s",
		e.Attempts, strings.Join(e.Models, ","), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last.Err
}
