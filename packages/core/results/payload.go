package results

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidPayload = errors.New("invalid test-result payload")

// payloadSchema constrains only the fields normalization reads.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "name":        {"type": ["string", "null"]},
    "passed":      {"type": ["boolean", "number", "null"]},
    "failed":      {"type": ["number", "null"]},
    "total":       {"type": ["number", "null"]},
    "skipped":     {"type": ["boolean", "null"]},
    "runDuration": {"type": ["number", "null"], "minimum": 0},
    "logs":        {"type": ["array", "null"]},
    "error":       {"type": ["object", "string", "null"]}
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
})

// ValidatePayload checks a decoded test-result payload against the schema.
func ValidatePayload(payload any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile payload schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
}

// FromPayload validates and normalizes a runner's test-result payload.
//
// Pass/fail is taken from "failed" when present (zero means passed), otherwise
// from an explicit "passed" flag, otherwise from the absence of "error".
func FromPayload(sessionID, runner string, payload any) (*TestResult, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidPayload, payload)
	}

	r := &TestResult{
		SessionID: sessionID,
		Runner:    runner,
		Name:      stringOf(m["name"]),
		Error:     errorOf(m["error"]),
		Logs:      logsOf(m["logs"]),
	}

	switch {
	case isNumber(m["failed"]):
		r.Passed = m["failed"].(float64) == 0
	case m["passed"] != nil:
		switch p := m["passed"].(type) {
		case bool:
			r.Passed = p
		case float64:
			r.Passed = p > 0
		}
	default:
		r.Passed = r.Error == nil
	}

	if r.Passed {
		r.Error = nil
	}

	if ms, ok := m["runDuration"].(float64); ok && !math.IsNaN(ms) {
		r.Duration = time.Duration(ms * float64(time.Millisecond))
	}
	return r, nil
}

func isNumber(v any) bool {
	_, ok := v.(float64)
	return ok
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64, bool:
		return fmt.Sprint(s)
	default:
		text, err := codec.Encode(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return text
	}
}

func errorOf(v any) *TestError {
	switch e := v.(type) {
	case nil:
		return nil
	case string:
		return &TestError{Message: e}
	case map[string]any:
		return &TestError{
			Message:  stringOf(e["message"]),
			Expected: e["expected"],
			Actual:   e["actual"],
			Stack:    stringOf(e["stack"]),
		}
	default:
		return &TestError{Message: stringOf(e)}
	}
}

func logsOf(v any) []string {
	list, _ := v.([]any)
	logs := make([]string, 0, len(list))
	for _, entry := range list {
		logs = append(logs, stringOf(entry))
	}
	return logs
}
