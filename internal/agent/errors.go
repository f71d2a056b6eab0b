package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrTransient = errors.New("transient adapter error")
	ErrFatal     = errors.New("fatal adapter error")

	// ErrRetryExhausted wraps the last transient error once the attempt
	// budget is spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// Error is a classified adapter failure.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

func Transient(op string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: ErrFatal, Op: op, Err: err}
}

// HTTPStatus classifies a failed HTTP exchange: 408, 429 and 5xx are
// transient, everything else is fatal.
func HTTPStatus(op string, code int, err error) error {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return Transient(op, err)
	}
	return Fatal(op, err)
}

// Classify returns err tagged as ErrTransient or ErrFatal. Errors that are
// already classified are returned unchanged; unknown errors are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrFatal) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return HTTPStatus("llm", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return HTTPStatus("llm", reqErr.HTTPStatusCode, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Fatal("decode", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient("network", err)
	}
	return Transient("", err)
}

func IsTransient(err error) bool { return errors.Is(Classify(err), ErrTransient) }

func IsFatal(err error) bool { return errors.Is(Classify(err), ErrFatal) }
