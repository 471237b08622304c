package gateway

import (
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// NormalizeStatus folds Stripe's payment intent vocabulary into the states the
// coordinator understands. Anything unrecognized becomes unknown, which never
// settles a payment.
func NormalizeStatus(status stripe.PaymentIntentStatus) enums.ObservedState {
	switch status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresCapture:
		return enums.ObservedRequiresConfirmation
	case stripe.PaymentIntentStatusSucceeded:
		return enums.ObservedSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return enums.ObservedFailed
	default:
		return enums.ObservedUnknown
	}
}
