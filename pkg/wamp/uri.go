package wamp

import (
	"fmt"
	"strings"
	"unicode"
)

// Error URIs raised by the router.
const (
	ErrInvalidURI             = "wamp.error.invalid_uri"
	ErrNoSuchProcedure        = "wamp.error.no_such_procedure"
	ErrProcedureAlreadyExists = "wamp.error.procedure_already_exists"
	ErrNoSuchRegistration     = "wamp.error.no_such_registration"
	ErrNoSuchSubscription     = "wamp.error.no_such_subscription"
	ErrNoSuchRealm            = "wamp.error.no_such_realm"
	ErrInvalidArgument        = "wamp.error.invalid_argument"
	ErrRuntimeError           = "wamp.error.runtime_error"
	ErrCanceled               = "wamp.error.canceled"
	ErrAuthenticationFailed   = "wamp.error.authentication_failed"
	ErrProtocolViolation      = "wamp.error.protocol_violation"
	ErrSystemShutdown         = "wamp.close.system_shutdown"
	CloseNormal               = "wamp.close.normal"
	CloseGoodbyeAndOut        = "wamp.close.goodbye_and_out"
)

// ValidURI checks the loose WAMP URI rule: one or more dot separated
// components, none of them empty, none containing whitespace or '#'.
func ValidURI(uri string) bool {
	if uri == "" {
		return false
	}
	for _, part := range strings.Split(uri, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r == '#' || unicode.IsSpace(r) {
				return false
			}
		}
	}
	return true
}

// Error is a failure carrying a WAMP error URI. Callee handlers return it to
// choose the URI reported to the caller.
type Error struct {
	URI    string
	Args   List
	Kwargs Dict
}

// NewError builds an Error; a non-empty message becomes the first argument.
func NewError(uri, message string) *Error {
	e := &Error{URI: uri}
	if message != "" {
		e.Args = List{message}
	}
	return e
}

func (e *Error) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s: %v", e.URI, e.Args[0])
	}
	return e.URI
}
