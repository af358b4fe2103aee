package xmpp

import (
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmpp/stream"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

var (
	// ErrNotConnected is returned by operations that need a live session
	ErrNotConnected = errors.New("not connected")

	// ErrAuthFailed is returned when the server rejected the credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrConflict is returned when another resource took over the session
	ErrConflict = errors.New("session replaced by another login")

	// ErrDisconnecting is returned by Connect while the previous session is
	// still closing
	ErrDisconnecting = errors.New("disconnect in progress")

	// ErrNoRemoteClient is returned when no native client resource is online
	ErrNoRemoteClient = errors.New("no native client online")
)

// RequestError is returned when the server answered an IQ with an error
type RequestError struct {
	Type      string
	Condition string
	Text      string
}

func (e *RequestError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("request rejected: %s (%s)", e.Condition, e.Text)
	}
	return fmt.Sprintf("request rejected: %s", e.Condition)
}

func requestError(st *wire.Stanza) *RequestError {
	se := wire.ParseError(st)
	if se == nil {
		return &RequestError{Condition: "undefined-condition"}
	}
	cond := se.Condition
	if cond == "" {
		cond = "undefined-condition"
	}
	return &RequestError{Type: se.Type, Condition: cond, Text: se.Text}
}

// IsCondition reports whether err is a RequestError with the given condition
func IsCondition(err error, condition string) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Condition == condition
}

// SASL failure conditions that mean the credentials were refused
var authConditions = []string{
	"not-authorized",
	"account-disabled",
	"credentials-expired",
	"invalid-mechanism",
	"encryption-required",
	"mechanism-too-weak",
}

// classifyDialError maps negotiation failures onto the package errors
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	msg := err.Error()
	for _, cond := range authConditions {
		if strings.Contains(msg, cond) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	return err
}

func isConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var se stream.Error
	if errors.As(err, &se) {
		return se.Err == stream.Conflict.Err
	}
	return false
}
