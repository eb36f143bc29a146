// Package apperr defines the error taxonomy shared by the rendezvous,
// negotiation, replication and wire layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind string

const (
	// KindRendezvousMiss means a code is unknown or expired. The user retries.
	KindRendezvousMiss Kind = "RENDEZVOUS_MISS"
	// KindNegotiation covers handshake failures such as an answer with no
	// pending session. The user restarts the handshake.
	KindNegotiation Kind = "NEGOTIATION_FAILURE"
	// KindAlreadyConnected means the remote is already in an open session.
	KindAlreadyConnected Kind = "ALREADY_CONNECTED"
	// KindTransport is a failure reported by the transport primitive.
	KindTransport Kind = "TRANSPORT_ERROR"
	// KindPersistence is a failed durable write. In-memory state stays authoritative.
	KindPersistence Kind = "PERSISTENCE_FAILURE"
	// KindMalformed is an undecodable wire message. It is dropped.
	KindMalformed Kind = "MALFORMED_MESSAGE"
	// KindValidation is bad caller input.
	KindValidation Kind = "VALIDATION"
	// KindNotFound is a missing item or session.
	KindNotFound Kind = "NOT_FOUND"
)

// Error is the application error type.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRendezvousMiss reports a missing or expired rendezvous code.
func IsRendezvousMiss(err error) bool { return Is(err, KindRendezvousMiss) }

// IsNegotiation reports a handshake failure.
func IsNegotiation(err error) bool { return Is(err, KindNegotiation) }

// IsAlreadyConnected reports a duplicate session with a known identity.
func IsAlreadyConnected(err error) bool { return Is(err, KindAlreadyConnected) }

// IsPersistence reports a failed durable write.
func IsPersistence(err error) bool { return Is(err, KindPersistence) }

// IsMalformed reports an undecodable wire message.
func IsMalformed(err error) bool { return Is(err, KindMalformed) }

// Message renders err as an actionable sentence for a person at the keyboard.
func Message(err error) string {
	switch KindOf(err) {
	case KindRendezvousMiss:
		return "Connection code expired or not found. Ask the host for a new code."
	case KindAlreadyConnected:
		return "Already connected to this peer."
	case KindTransport:
		return "Transport error while connecting. Restart the handshake."
	case KindNegotiation:
		return "Handshake failed: " + err.Error()
	case KindPersistence:
		return "Saved in memory but the local database write failed: " + err.Error()
	case KindValidation:
		return "Invalid input: " + err.Error()
	case KindNotFound:
		return "Not found: " + err.Error()
	default:
		if err == nil {
			return ""
		}
		return err.Error()
	}
}
