package httpwire

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProtocol marks malformed request lines, headers or framing. The
	// connection that produced it cannot be reused.
	ErrProtocol = errors.New("protocol error")

	// ErrPayloadTooLarge is returned when a declared, framed or decoded body
	// exceeds the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsupportedEncoding is returned for request bodies with a
	// Content-Encoding the engine cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// ProtocolError carries the status a peer should see before the connection
// is closed.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrProtocol, e.Status, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func badRequest(reason string) error {
	return &ProtocolError{Status: http.StatusBadRequest, Reason: reason}
}

// StatusOf maps an engine error to the status code sent to the peer.
func StatusOf(err error) int {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe.Status
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
