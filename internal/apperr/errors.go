// Package apperr holds the classified failures raised by the extraction
// pipeline. Adapters and the normalizer return *Error values; callers test
// them with errors.Is against the sentinels below or with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindMissingCredential         Kind = "missing_credential"
	KindNetwork                   Kind = "network"
	KindProviderHTTP              Kind = "provider_http"
	KindEmptyResponse             Kind = "empty_response"
	KindMalformedProviderResponse Kind = "malformed_provider_response"
	KindMalformedEventJSON        Kind = "malformed_event_json"
	KindUnsupportedMethod         Kind = "unsupported_method"
	KindInvalidImage              Kind = "invalid_image"
)

var (
	ErrMissingCredential         = errors.New("missing credential")
	ErrNetwork                   = errors.New("network failure")
	ErrProviderHTTP              = errors.New("provider http error")
	ErrEmptyResponse             = errors.New("empty response")
	ErrMalformedProviderResponse = errors.New("malformed provider response")
	ErrMalformedEventJSON        = errors.New("malformed event json")
	ErrUnsupportedMethod         = errors.New("unsupported method")
	ErrInvalidImage              = errors.New("invalid image")
)

var sentinels = map[Kind]error{
	KindMissingCredential:         ErrMissingCredential,
	KindNetwork:                   ErrNetwork,
	KindProviderHTTP:              ErrProviderHTTP,
	KindEmptyResponse:             ErrEmptyResponse,
	KindMalformedProviderResponse: ErrMalformedProviderResponse,
	KindMalformedEventJSON:        ErrMalformedEventJSON,
	KindUnsupportedMethod:         ErrUnsupportedMethod,
	KindInvalidImage:              ErrInvalidImage,
}

// maxExcerpt bounds the response body kept for diagnostics.
const maxExcerpt = 512

// Error is a classified pipeline failure.
type Error struct {
	Kind     Kind
	Provider string
	Op       string

	// StatusCode and BodyExcerpt are set for KindProviderHTTP.
	StatusCode  int
	Message     string
	BodyExcerpt string

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func MissingCredential(provider, op string) error {
	return &Error{Kind: KindMissingCredential, Provider: provider, Op: op, Message: "no API key configured"}
}

func Network(provider, op string, err error) error {
	return &Error{Kind: KindNetwork, Provider: provider, Op: op, Err: err}
}

// ProviderHTTP records a non-success response with a bounded body excerpt.
func ProviderHTTP(provider, op string, status int, message string, body []byte) error {
	return &Error{
		Kind:        KindProviderHTTP,
		Provider:    provider,
		Op:          op,
		StatusCode:  status,
		Message:     message,
		BodyExcerpt: Excerpt(body),
	}
}

func EmptyResponse(provider, op string) error {
	return &Error{Kind: KindEmptyResponse, Provider: provider, Op: op}
}

func MalformedProviderResponse(provider, op, message string, err error) error {
	return &Error{Kind: KindMalformedProviderResponse, Provider: provider, Op: op, Message: message, Err: err}
}

func MalformedEventJSON(message string, err error) error {
	return &Error{Kind: KindMalformedEventJSON, Op: "normalize", Message: message, Err: err}
}

func UnsupportedMethod(method string) error {
	return &Error{Kind: KindUnsupportedMethod, Op: "dispatch", Message: fmt.Sprintf("%q", method)}
}

// InvalidImage reports input bytes that are not a decodable PNG, JPEG, GIF or
// WebP image.
func InvalidImage(err error) error {
	return &Error{Kind: KindInvalidImage, Op: "ocr", Err: err}
}

// Excerpt returns at most maxExcerpt bytes of body.
func Excerpt(body []byte) string {
	if len(body) <= maxExcerpt {
		return string(body)
	}
	return string(body[:maxExcerpt]) + "..."
}
