package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v84"
)

// ErrorDump is the log-only view of an error: its typed code, the unwrap
// chain and whatever the database or the card provider attached.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`
	Class      Class  `json:"class,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`

	Chain []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`

	ProviderCode      string `json:"provider_code,omitempty"`
	ProviderDecline   string `json:"provider_decline_code,omitempty"`
	ProviderRequestID string `json:"provider_request_id,omitempty"`
	ProviderStatus    int    `json:"provider_http_status,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		meta := MetadataFor(te.Code())
		d.Code = te.Code()
		d.Class = meta.Class
		d.Retryable = meta.Retryable
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGDetail = pgxErr.Detail
	case errors.As(err, &pqErr):
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGDetail = pqErr.Detail
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		d.ProviderCode = string(stripeErr.Code)
		d.ProviderDecline = string(stripeErr.DeclineCode)
		d.ProviderRequestID = stripeErr.RequestID
		d.ProviderStatus = stripeErr.HTTPStatusCode
	}
	return d
}
