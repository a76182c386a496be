// Package rpcerr defines the error taxonomy shared by the client, server and
// registry. Callers match with errors.Is against the sentinels; the concrete
// error usually carries more context through github.com/pkg/errors wrapping.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Transport and encoding
	ErrFraming               = errors.New("framing error")
	ErrSerialization         = errors.New("serialization error")
	ErrConnectionLost        = errors.New("connection lost")
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// Registry
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrRegistryClosed      = errors.New("registry closed")
	ErrNoProvider          = errors.New("no provider available")

	// Invocation
	ErrCallTimeout      = errors.New("call timeout")
	ErrRemoteInvocation = errors.New("remote invocation error")
	ErrServiceNotFound  = errors.New("service not found")
)

// ServiceNotFoundPrefix starts every FAIL message produced for a missing
// ServiceKey, so the client can map it back to ErrServiceNotFound.
const ServiceNotFoundPrefix = "service not found"

// RemoteError is the provider-side failure carried back in a FAIL result.
type RemoteError struct {
	Service string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s: %s", e.Service, e.Method, e.Message)
}

// Is lets errors.Is match both ErrRemoteInvocation and, for a missing
// service on the provider, ErrServiceNotFound.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteInvocation:
		return true
	case ErrServiceNotFound:
		return len(e.Message) >= len(ServiceNotFoundPrefix) && e.Message[:len(ServiceNotFoundPrefix)] == ServiceNotFoundPrefix
	}
	return false
}

// Retryable reports whether err is a transport-level failure that a caller
// may retry: the request either never left or its outcome is unknown.
func Retryable(err error) bool {
	return errors.Is(err, ErrCallTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionUnavailable) ||
		errors.Is(err, ErrRegistryUnavailable)
}
