package task

import (
	"encoding/json"
	"fmt"
)

// DocVersion is the current envelope version for stored JSON documents.
const DocVersion = 1

// Kind tags a stored JSON document.
type Kind string

const (
	KindQuery    Kind = "query"
	KindPlan     Kind = "plan"
	KindSources  Kind = "raw_search_results"
	KindReport   Kind = "report"
	KindFeedback Kind = "feedback_history"
)

type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type validator interface {
	Validate() error
}

// Encode validates v and wraps it in a versioned envelope.
func Encode(kind Kind, v any) ([]byte, error) {
	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDocument, kind, err)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDocument, kind, err)
	}
	return json.Marshal(envelope{V: DocVersion, Kind: kind, Data: data})
}

// Decode unwraps an envelope of the given kind into v and validates it.
func Decode(b []byte, kind Kind, v any) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDocument, kind, err)
	}
	if env.V != DocVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrDocument, kind, env.V)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: expected %s, got %s", ErrDocument, kind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDocument, kind, err)
	}
	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDocument, kind, err)
		}
	}
	return nil
}
