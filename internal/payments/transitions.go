package payments

import "github.com/angelmondragon/bazaar-backend/pkg/enums"

var allowedTransitions = map[enums.PaymentState][]enums.PaymentState{
	enums.PaymentStateCreated: {
		enums.PaymentStateRequiresConfirmation,
	},
	enums.PaymentStateRequiresConfirmation: {
		enums.PaymentStateSucceeded,
		enums.PaymentStateFailed,
	},
	enums.PaymentStateSucceeded: {
		enums.PaymentStateOrdersCreated,
		enums.PaymentStateConflicted,
	},
	enums.PaymentStateOrdersCreated: {
		enums.PaymentStateRefundRequested,
		enums.PaymentStateConflicted,
	},
	enums.PaymentStateRefundRequested: {
		enums.PaymentStateRefunded,
		enums.PaymentStateOrdersCreated,
		enums.PaymentStateConflicted,
	},
}

// CanTransition reports whether from -> to is a legal edge of the payment
// state machine. Failed, refunded and conflicted have no outgoing edges.
func CanTransition(from, to enums.PaymentState) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

type decision struct {
	disposition enums.LedgerDisposition
	// path lists the states to pass through, in order.
	path        []enums.PaymentState
	alertReason string
}

const (
	alertFailedAfterSucceeded  = "failed_after_succeeded"
	alertSucceededAfterFailed  = "succeeded_after_failed"
	reviewTerminalContradicted = "terminal_state_contradicted"
)

// decide folds one observation into the current state without side effects.
func decide(current enums.PaymentState, observed enums.ObservedState) decision {
	switch current {
	case enums.PaymentStateConflicted:
		return decision{disposition: enums.DispositionFrozen}
	case enums.PaymentStateFailed:
		switch observed {
		case enums.ObservedFailed:
			return decision{disposition: enums.DispositionDuplicate}
		case enums.ObservedSucceeded:
			return decision{disposition: enums.DispositionRejected, alertReason: alertSucceededAfterFailed}
		}
		return decision{disposition: enums.DispositionRejected}
	case enums.PaymentStateRefunded:
		return decision{disposition: enums.DispositionRejected}
	}

	// Past this point the intent is not terminal, so a pending report can
	// only move created forward.
	if !observed.IsTerminal() {
		if current == enums.PaymentStateCreated {
			return decision{
				disposition: enums.DispositionApplied,
				path:        []enums.PaymentState{enums.PaymentStateRequiresConfirmation},
			}
		}
		return decision{disposition: enums.DispositionIgnored}
	}

	target := observed.PaymentState()
	switch current {
	case enums.PaymentStateCreated:
		return decision{
			disposition: enums.DispositionApplied,
			path:        []enums.PaymentState{enums.PaymentStateRequiresConfirmation, target},
		}
	case enums.PaymentStateRequiresConfirmation:
		return decision{
			disposition: enums.DispositionApplied,
			path:        []enums.PaymentState{target},
		}
	case enums.PaymentStateSucceeded, enums.PaymentStateOrdersCreated, enums.PaymentStateRefundRequested:
		if observed == enums.ObservedSucceeded {
			return decision{disposition: enums.DispositionDuplicate}
		}
		return decision{
			disposition: enums.DispositionConflict,
			path:        []enums.PaymentState{enums.PaymentStateConflicted},
			alertReason: alertFailedAfterSucceeded,
		}
	}
	return decision{disposition: enums.DispositionRejected}
}
