package ble

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories a BLE operation can report.
type Kind string

const (
	// Values match the error codes reported to callers.
	KindNotSupported          Kind = "BLE_NOT_SUPPORTED"
	KindNotEnabled            Kind = "BLE_NOT_ENABLED"
	KindUnableInitController  Kind = "UNABLE_INITIALIZE_CONTROLLER"
	KindMissingPermissions    Kind = "MISSING_BLE_PERMISSIONS"
	KindAlreadySearching      Kind = "ALREADY_SEARCHING_BLE_DEVICES"
	KindCannotStartSearching  Kind = "CANNOT_START_SEARCHING_DEVICES"
	KindDeviceNotFound        Kind = "DEVICE_NOT_FOUND"
	KindDeviceNotConnected    Kind = "DEVICE_NOT_CONNECTED"
	KindDeviceNotResponding   Kind = "DEVICE_NOT_RESPONDING"
	KindCommunicationFailed   Kind = "COMMUNICATION_FAILED"
	KindNoDataReceived        Kind = "SEND_COMMAND_FAILED_NO_DATA_RECEIVED_IN_RESPONSE"
	KindNoCharacteristicFound Kind = "SEND_COMMAND_FAILED_NO_CHARACTERISTIC_FOUND_TO_SEND"
	KindUnableToSubscribe     Kind = "UNABLE_TO_SUBSCRIBE_TO_NOTIFICATIONS"
	KindCancelled             Kind = "CANCELLED_DUE_TO_CONCURRENCY"
	KindInternal              Kind = "INTERNAL_ERROR"
	KindNotInitialized        Kind = "LIBRARY_NOT_INITIALIZED"
	KindOther                 Kind = "OTHER"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is the typed failure returned by every public operation.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError creates an Error of the given kind with an optional detail.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// wrapError creates an Error of the given kind wrapping cause.
func wrapError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func (e *Error) Error() string {
	msg := "ble: " + string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, or an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return t != nil && e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err. Errors that carry no kind report KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// asTyped returns err unchanged if it already carries a kind, otherwise
// wraps it as fallback.
func asTyped(err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrapError(fallback, err)
}

// statusError describes a non-success status code from a hardware callback.
func statusError(op string, status Status) error {
	return wrapError(KindCommunicationFailed, fmt.Errorf("%s failed with gatt status %d", op, status))
}

// isTimeout reports whether err came from a deadline rather than a cancel.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
