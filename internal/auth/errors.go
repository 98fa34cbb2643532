package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Typed errors below unwrap to one of these and to a reason.
var (
	ErrAuthentication = errors.New("auth: authentication failed")
	ErrValidation     = errors.New("auth: validation failed")
	ErrNetwork        = errors.New("auth: network failure")
)

// Reasons and standalone outcomes.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAccountInactive        = errors.New("account is not active")
	ErrSessionExpired         = errors.New("auth: session expired")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrSystemRoleProtected    = errors.New("system role is protected")
	ErrProtectedEntity        = errors.New("entity is protected")
	ErrDuplicateRoleCode      = errors.New("duplicate role code")
	ErrUnknownPermissionCode  = errors.New("unknown permission code")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("auth: not found")
	ErrInvalidToken           = errors.New("auth: invalid token")
)

// AuthenticationError reports a rejected login.
type AuthenticationError struct {
	Reason error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Reason)
}

func (e *AuthenticationError) Unwrap() []error { return []error{ErrAuthentication, e.Reason} }

// ValidationError reports a domain rule violation. Detail is shown to operators.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation failed: " + e.Reason.Error()
	}
	return fmt.Sprintf("validation failed: %v: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Reason} }

// NetworkError wraps a transport failure or timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network failure: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// Invalid builds a ValidationError with a formatted detail.
func Invalid(reason error, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Envelope error codes.
const (
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeAccountInactive        = "ACCOUNT_INACTIVE"
	CodeSessionExpired         = "SESSION_EXPIRED"
	CodeInsufficientPermission = "INSUFFICIENT_PERMISSION"
	CodeSystemRoleProtected    = "SYSTEM_ROLE_PROTECTED"
	CodeProtectedEntity        = "PROTECTED_ENTITY"
	CodeDuplicateRoleCode      = "DUPLICATE_ROLE_CODE"
	CodeUnknownPermissionCode  = "UNKNOWN_PERMISSION_CODE"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeNotFound               = "NOT_FOUND"
	CodeInternal               = "INTERNAL"
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrAccountInactive, CodeAccountInactive},
	{ErrSessionExpired, CodeSessionExpired},
	{ErrInvalidToken, CodeSessionExpired},
	{ErrInsufficientPermission, CodeInsufficientPermission},
	{ErrSystemRoleProtected, CodeSystemRoleProtected},
	{ErrProtectedEntity, CodeProtectedEntity},
	{ErrDuplicateRoleCode, CodeDuplicateRoleCode},
	{ErrUnknownPermissionCode, CodeUnknownPermissionCode},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrNotFound, CodeNotFound},
}

// Code maps an error to its envelope code.
func Code(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds the typed error carried by an envelope code. Unknown codes yield nil.
func FromCode(code, message string) error {
	message = strings.TrimSpace(message)
	switch code {
	case CodeInvalidCredentials:
		return &AuthenticationError{Reason: ErrInvalidCredentials}
	case CodeAccountInactive:
		return &AuthenticationError{Reason: ErrAccountInactive}
	case CodeSessionExpired:
		return ErrSessionExpired
	case CodeInsufficientPermission:
		return ErrInsufficientPermission
	case CodeSystemRoleProtected:
		return &ValidationError{Reason: ErrSystemRoleProtected, Detail: message}
	case CodeProtectedEntity:
		return &ValidationError{Reason: ErrProtectedEntity, Detail: message}
	case CodeDuplicateRoleCode:
		return &ValidationError{Reason: ErrDuplicateRoleCode, Detail: message}
	case CodeUnknownPermissionCode:
		return &ValidationError{Reason: ErrUnknownPermissionCode, Detail: message}
	case CodeInvalidInput:
		return &ValidationError{Reason: ErrInvalidInput, Detail: message}
	case CodeNotFound:
		if message == "" {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	}
	return nil
}

// Message returns the operator-facing text for err without the category prefix.
func Message(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.Detail != "" {
			return ve.Detail
		}
		return ve.Reason.Error()
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae.Reason.Error()
	}
	return err.Error()
}
