package enums

import "fmt"

// RefundRequestStatus tracks an operator refund decision.
type RefundRequestStatus string

const (
	RefundRequestPending RefundRequestStatus = "pending"
	// RefundRequestApproving is held while the provider refund is in flight.
	// Only another approval may pick it up again.
	RefundRequestApproving RefundRequestStatus = "approving"
	RefundRequestApproved  RefundRequestStatus = "approved"
	RefundRequestDenied    RefundRequestStatus = "denied"
)

// String implements fmt.Stringer.
func (r RefundRequestStatus) String() string {
	return string(r)
}

// RefundDecision is the admin verdict on a pending refund request.
type RefundDecision string

const (
	RefundDecisionApprove RefundDecision = "approve"
	RefundDecisionDeny    RefundDecision = "deny"
)

// String implements fmt.Stringer.
func (r RefundDecision) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RefundDecision.
func (r RefundDecision) IsValid() bool {
	return r == RefundDecisionApprove || r == RefundDecisionDeny
}

// ParseRefundDecision converts raw input into a RefundDecision.
func ParseRefundDecision(value string) (RefundDecision, error) {
	decision := RefundDecision(value)
	if !decision.IsValid() {
		return "", fmt.Errorf("invalid refund decision %q", value)
	}
	return decision, nil
}
