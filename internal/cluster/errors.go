package cluster

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol error. The numeric values are part of the wire
// protocol and must never be renumbered; clients switch on them to decide
// whether to retry.
type Kind int

const (
	// KindInvalid means the input was rejected by validation.
	KindInvalid Kind = iota + 1
	// KindAlreadyRegistered means an id conflict on register.
	KindAlreadyRegistered
	// KindUnknownWorker means the worker id is not registered or is failed.
	KindUnknownWorker
	// KindUnknownDataset means the dataset id is not registered.
	KindUnknownDataset
	// KindNoWorkers means the hash ring was empty at lookup time.
	KindNoWorkers
	// KindBarrierMismatch means the declared required_total disagrees with
	// the live barrier.
	KindBarrierMismatch
	// KindNotFound means the referent is absent (e.g. no completed
	// checkpoint in the namespace yet).
	KindNotFound
	// KindRateLimited means the client's token bucket is exhausted.
	KindRateLimited
	// KindTransient means a transport or storage hiccup.
	KindTransient
	// KindInternal means an invariant violation; never expected in normal
	// operation.
	KindInternal
)

var kindNames = map[Kind]string{
	KindInvalid:           "invalid",
	KindAlreadyRegistered: "already_registered",
	KindUnknownWorker:     "unknown_worker",
	KindUnknownDataset:    "unknown_dataset",
	KindNoWorkers:         "no_workers",
	KindBarrierMismatch:   "barrier_mismatch",
	KindNotFound:          "not_found",
	KindRateLimited:       "rate_limited",
	KindTransient:         "transient",
	KindInternal:          "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HTTPStatus maps the error category onto a transport status. The wire code
// stays authoritative; the status only mirrors it for plain HTTP clients.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindAlreadyRegistered, KindBarrierMismatch:
		return http.StatusConflict
	case KindUnknownWorker, KindUnknownDataset, KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoWorkers, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a caller may reasonably retry after this kind,
// with backoff where applicable.
func (k Kind) Retriable() bool {
	switch k {
	case KindNoWorkers, KindNotFound, KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// Error is a protocol error with a stable kind and a human message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a protocol error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the protocol kind from err. Errors that are not protocol
// errors classify as KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

func kindFromName(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindInternal
}
