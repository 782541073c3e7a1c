// Package serverless runs perplexity jobs for a managed serverless platform:
// a Handler that keeps the default model warm, a Worker that speaks the
// platform's job polling protocol, and a local HTTP API for testing both.
package serverless

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/samcharles93/perplex/internal/perplexity"
)

// MissingTextMessage is returned when a job's input has no text field.
const MissingTextMessage = "Input must contain 'text' field"

var ErrValidation = errors.New("invalid job input")

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }
func (e validationError) Unwrap() error { return ErrValidation }

func newValidationError(msg string) error {
	return validationError{msg: msg}
}

// Job is one unit of work as delivered by the platform.
type Job struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Input is the decoded job input. Text is a pointer so an absent field can be
// told apart from an empty string.
type Input struct {
	Text      *string `json:"text"`
	ModelName string  `json:"model_name,omitempty"`
}

// Output is either a perplexity result or an error message, never both.
type Output struct {
	*perplexity.Result
	Error string `json:"error,omitempty"`
}

// Failed reports whether the job produced an error instead of a result.
func (o Output) Failed() bool { return o.Error != "" || o.Result == nil }

var inputSchema = mustSchema(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text":       map[string]any{"type": "string"},
		"model_name": map[string]any{"type": "string"},
	},
})

func mustSchema(def map[string]any) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(err)
	}
	return s
}

// ParseInput validates raw job input. A missing or null input is treated as
// an empty object so it fails on the missing text field.
func ParseInput(raw json.RawMessage) (Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	result, err := inputSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Input{}, newValidationError(fmt.Sprintf("input is not valid JSON: %v", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return Input{}, newValidationError("invalid input: " + strings.Join(msgs, ", "))
	}

	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, newValidationError(fmt.Sprintf("invalid input: %v", err))
	}
	if in.Text == nil {
		return Input{}, newValidationError(MissingTextMessage)
	}
	return in, nil
}
