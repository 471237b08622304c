package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInProgress    Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
	CodeInvalidAmount Code = "INVALID_AMOUNT"

	// Reconciliation outcomes.
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeAmountMismatch      Code = "AMOUNT_MISMATCH"
	CodePaymentNotSucceeded Code = "PAYMENT_NOT_SUCCEEDED"
	CodePaymentDeclined     Code = "PAYMENT_DECLINED"
	CodeConsistencyAlert    Code = "CONSISTENCY_ALERT"
	CodeOrderNotRecorded    Code = "ORDER_NOT_RECORDED"
	CodeGatewayUnavailable  Code = "GATEWAY_UNAVAILABLE"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
)

// Class groups codes by how callers are expected to react to them.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassConflict    Class = "conflict"
	ClassTransient   Class = "transient"
	ClassConsistency Class = "consistency"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	Class          Class
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Class:          ClassValidation,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeInvalidAmount: {
		HTTPStatus:     http.StatusBadRequest,
		Class:          ClassValidation,
		PublicMessage:  "amount must be a positive integer in minor units",
		DetailsAllowed: true,
	},
	CodePaymentDeclined: {
		HTTPStatus:     http.StatusPaymentRequired,
		Class:          ClassValidation,
		PublicMessage:  "payment declined",
		DetailsAllowed: true,
	},
	CodeUnauthorized: {
		HTTPStatus:    http.StatusUnauthorized,
		Class:         ClassValidation,
		PublicMessage: "authentication required",
	},
	CodeForbidden: {
		HTTPStatus:    http.StatusForbidden,
		Class:         ClassValidation,
		PublicMessage: "access denied",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		Class:         ClassValidation,
		PublicMessage: "resource not found",
	},
	CodeRateLimit: {
		HTTPStatus:    http.StatusTooManyRequests,
		Class:         ClassValidation,
		PublicMessage: "rate limit exceeded",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		Class:         ClassConflict,
		PublicMessage: "conflict detected",
	},
	CodeIdempotency: {
		HTTPStatus:     http.StatusConflict,
		Class:          ClassConflict,
		PublicMessage:  "idempotency key reused",
		DetailsAllowed: true,
	},
	CodeInvalidTransition: {
		HTTPStatus:     http.StatusConflict,
		Class:          ClassConflict,
		PublicMessage:  "state transition disallowed",
		DetailsAllowed: true,
	},
	CodeAmountMismatch: {
		HTTPStatus:     http.StatusConflict,
		Class:          ClassConflict,
		PublicMessage:  "cart total does not match the payment amount",
		DetailsAllowed: true,
	},
	CodePaymentNotSucceeded: {
		HTTPStatus:     http.StatusConflict,
		Class:          ClassConflict,
		PublicMessage:  "payment has not succeeded",
		DetailsAllowed: true,
	},
	CodeConsistencyAlert: {
		HTTPStatus:     http.StatusConflict,
		Class:          ClassConsistency,
		PublicMessage:  "payment is under manual reconciliation",
		DetailsAllowed: true,
	},
	CodeInProgress: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      true,
		Class:          ClassTransient,
		PublicMessage:  "request with this idempotency key is still in progress",
		DetailsAllowed: true,
	},
	CodeOrderNotRecorded: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		Class:          ClassTransient,
		PublicMessage:  "order could not be recorded, payment may still be charged",
		DetailsAllowed: true,
	},
	CodeGatewayUnavailable: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		Class:          ClassTransient,
		PublicMessage:  "payment provider unavailable",
		DetailsAllowed: true,
	},
	CodeStoreUnavailable: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		Class:          ClassTransient,
		PublicMessage:  "idempotency store unavailable",
		DetailsAllowed: false,
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		Class:         ClassTransient,
		PublicMessage: "internal server error",
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		Class:          ClassTransient,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost typed error in the chain, or
// CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// IsCode reports whether any typed error in the chain carries the code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var typed *Error
		if !stdErrors.As(err, &typed) {
			return false
		}
		if typed.code == code {
			return true
		}
		err = typed.cause
	}
	return false
}

// ClassOf reports the taxonomy class for err.
func ClassOf(err error) Class {
	return MetadataFor(CodeOf(err)).Class
}
