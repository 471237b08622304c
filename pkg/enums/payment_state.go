package enums

import "fmt"

// PaymentState is the reconciled lifecycle state of a payment intent.
type PaymentState string

const (
	PaymentStateCreated              PaymentState = "created"
	PaymentStateRequiresConfirmation PaymentState = "requires_confirmation"
	PaymentStateSucceeded            PaymentState = "succeeded"
	PaymentStateFailed               PaymentState = "failed"
	PaymentStateOrdersCreated        PaymentState = "orders_created"
	PaymentStateRefundRequested      PaymentState = "refund_requested"
	PaymentStateRefunded             PaymentState = "refunded"
	// PaymentStateConflicted freezes a record whose notification channels disagree.
	PaymentStateConflicted PaymentState = "conflicted"
)

var validPaymentStates = []PaymentState{
	PaymentStateCreated,
	PaymentStateRequiresConfirmation,
	PaymentStateSucceeded,
	PaymentStateFailed,
	PaymentStateOrdersCreated,
	PaymentStateRefundRequested,
	PaymentStateRefunded,
	PaymentStateConflicted,
}

// String implements fmt.Stringer.
func (p PaymentState) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentState.
func (p PaymentState) IsValid() bool {
	for _, candidate := range validPaymentStates {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave the state.
func (p PaymentState) IsTerminal() bool {
	return p == PaymentStateFailed || p == PaymentStateRefunded
}

// IsPaid reports whether the provider has captured funds for the intent.
func (p PaymentState) IsPaid() bool {
	switch p {
	case PaymentStateSucceeded, PaymentStateOrdersCreated, PaymentStateRefundRequested:
		return true
	}
	return false
}

// ParsePaymentState converts raw input into a PaymentState.
func ParsePaymentState(value string) (PaymentState, error) {
	for _, candidate := range validPaymentStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment state %q", value)
}

// ObservedState is the normalized provider view of an intent as reported by a
// notification channel. It is never persisted as a PaymentState.
type ObservedState string

const (
	ObservedRequiresConfirmation ObservedState = "requires_confirmation"
	ObservedSucceeded            ObservedState = "succeeded"
	ObservedFailed               ObservedState = "failed"
	ObservedUnknown              ObservedState = "unknown"
)

// String implements fmt.Stringer.
func (o ObservedState) String() string {
	return string(o)
}

// IsTerminal reports whether the observation settles the payment either way.
func (o ObservedState) IsTerminal() bool {
	return o == ObservedSucceeded || o == ObservedFailed
}

// PaymentState maps a terminal observation onto the stored state.
func (o ObservedState) PaymentState() PaymentState {
	switch o {
	case ObservedSucceeded:
		return PaymentStateSucceeded
	case ObservedFailed:
		return PaymentStateFailed
	default:
		return PaymentStateRequiresConfirmation
	}
}
