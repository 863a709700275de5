// Package gatewayerrors defines the typed error taxonomy shared by the
// child supervisor and the gateway manager. Callers should compare with
// errors.Is against the sentinels below; the concrete errors returned by
// the package wrap a sentinel with request-specific context.
package gatewayerrors

import "errors"

// Supervisor lifecycle and spawn errors.
var (
	ErrAlreadyRunning   = errors.New("already running")
	ErrSpawnFailed      = errors.New("spawn failed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrToolsListFailed  = errors.New("tools/list failed")
)

// Runtime call errors.
var (
	ErrNotReady       = errors.New("server is not ready")
	ErrRequestTimeout = errors.New("request timed out")
	ErrServerStopped  = errors.New("Server stopped")
)

// Front-end errors.
var (
	ErrPortInUse = errors.New("port in use")
)

// Wrap attaches additional context to a sentinel without losing
// errors.Is compatibility.
func Wrap(sentinel error, context string) error {
	if context == "" {
		return sentinel
	}
	return &wrapped{sentinel: sentinel, context: context}
}

type wrapped struct {
	sentinel error
	context  string
}

func (w *wrapped) Error() string {
	return w.sentinel.Error() + ": " + w.context
}

func (w *wrapped) Unwrap() error {
	return w.sentinel
}
