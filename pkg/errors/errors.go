// Package errors implements the canonical error taxonomy shared by every
// client-facing surface of signond: the daemon IPC bus, the session engine,
// and the credentials store. Every error that crosses a process boundary is
// translated into a Kind from this package before it reaches a caller.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a flat error classification. Numeric values are part of the wire
// contract: clients and plugins depend on the exact assignment, so existing
// values must never be renumbered.
type Kind int

const (
	// Unknown is the catch-all kind for errors that could not be classified.
	Unknown Kind = iota
	InternalServer
	InternalCommunication
	PermissionDenied
	EncryptionFailure

	// Service-level kinds.
	MethodNotKnown
	ServiceNotAvailable
	InvalidQuery

	// Identity-level kinds.
	MethodNotAvailable
	IdentityNotFound
	StoreFailed
	RemoveFailed
	SignOutFailed
	IdentityOperationCanceled
	CredentialsNotAvailable
	ReferenceNotFound

	// Session-level kinds.
	MechanismNotAvailable
	MissingData
	InvalidCredentials
	NotAuthorized
	WrongState
	OperationNotSupported
	NoConnection
	Network
	Ssl
	Runtime
	SessionCanceled
	TimedOut
	UserInteraction
	OperationFailed
	TOSNotAccepted
	ForgotPassword
	MethodOrMechanismNotAllowed
	IncorrectDate

	// userRangeStart is the first numeric code reserved for plugin-defined
	// errors (spec: "user range (>= 400)"). Plugin wire codes below this are
	// mapped to one of the kinds above; codes at or above it are carried
	// through verbatim as UserDefined with the plugin's message.
	userRangeStart = 400
)

var names = map[Kind]string{
	Unknown:                     "Unknown",
	InternalServer:              "InternalServer",
	InternalCommunication:       "InternalCommunication",
	PermissionDenied:            "PermissionDenied",
	EncryptionFailure:           "EncryptionFailure",
	MethodNotKnown:              "MethodNotKnown",
	ServiceNotAvailable:         "ServiceNotAvailable",
	InvalidQuery:                "InvalidQuery",
	MethodNotAvailable:          "MethodNotAvailable",
	IdentityNotFound:            "IdentityNotFound",
	StoreFailed:                 "StoreFailed",
	RemoveFailed:                "RemoveFailed",
	SignOutFailed:               "SignOutFailed",
	IdentityOperationCanceled:   "IdentityOperationCanceled",
	CredentialsNotAvailable:     "CredentialsNotAvailable",
	ReferenceNotFound:           "ReferenceNotFound",
	MechanismNotAvailable:       "MechanismNotAvailable",
	MissingData:                 "MissingData",
	InvalidCredentials:          "InvalidCredentials",
	NotAuthorized:               "NotAuthorized",
	WrongState:                  "WrongState",
	OperationNotSupported:       "OperationNotSupported",
	NoConnection:                "NoConnection",
	Network:                     "Network",
	Ssl:                         "Ssl",
	Runtime:                     "Runtime",
	SessionCanceled:             "SessionCanceled",
	TimedOut:                    "TimedOut",
	UserInteraction:             "UserInteraction",
	OperationFailed:             "OperationFailed",
	TOSNotAccepted:              "TOSNotAccepted",
	ForgotPassword:              "ForgotPassword",
	MethodOrMechanismNotAllowed: "MethodOrMechanismNotAllowed",
	IncorrectDate:               "IncorrectDate",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := names[k]; ok {
		return name
	}
	return fmt.Sprintf("UserDefined(%d)", int(k))
}

// Error is the concrete error type returned across every package boundary in
// this module. Code carries the plugin's original numeric code when Kind was
// derived from a plugin wire error (zero otherwise).
type Error struct {
	Kind    Kind
	Code    int
	Message string
	cause   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that preserves cause for
// errors.Unwrap/errors.Is/errors.As chains.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.cause == nil:
		return e.Kind.String()
	case e.cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errors.New(errors.IdentityNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Unknown for any error that
// was never translated into the canonical taxonomy. Call this exactly once
// at the IPC boundary, never deep inside business logic.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// FromPluginCode translates a plugin's wire error code+message into the
// canonical taxonomy. Codes at or above the user range are plugin-specific
// and are carried through as a Kind numbered by the code itself, so clients
// that know the plugin's contract can still recover it via int(Kind).
func FromPluginCode(code int, message string) *Error {
	if code >= userRangeStart {
		return &Error{Kind: Kind(code), Code: code, Message: message}
	}
	if kind, ok := pluginCodeKinds[code]; ok {
		return &Error{Kind: kind, Code: code, Message: message}
	}
	return &Error{Kind: Unknown, Code: code, Message: message}
}

// pluginCodeKinds maps the small integer codes plugins are documented to
// emit onto canonical kinds. Plugins that predate a given kind may emit 0
// ("Unknown") for anything not in this table; that is intentional and is
// never silently upgraded to a more specific kind.
var pluginCodeKinds = map[int]Kind{
	0:  Unknown,
	1:  InternalServer,
	2:  InternalCommunication,
	3:  PermissionDenied,
	4:  EncryptionFailure,
	10: MethodNotKnown,
	11: ServiceNotAvailable,
	12: InvalidQuery,
	20: MethodNotAvailable,
	21: IdentityNotFound,
	22: StoreFailed,
	23: RemoveFailed,
	24: SignOutFailed,
	25: IdentityOperationCanceled,
	26: CredentialsNotAvailable,
	27: ReferenceNotFound,
	30: MechanismNotAvailable,
	31: MissingData,
	32: InvalidCredentials,
	33: NotAuthorized,
	34: WrongState,
	35: OperationNotSupported,
	36: NoConnection,
	37: Network,
	38: Ssl,
	39: Runtime,
	40: SessionCanceled,
	41: TimedOut,
	42: UserInteraction,
	43: OperationFailed,
	44: TOSNotAccepted,
	45: ForgotPassword,
	46: MethodOrMechanismNotAllowed,
	47: IncorrectDate,
}
