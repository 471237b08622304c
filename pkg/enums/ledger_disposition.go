package enums

// LedgerDisposition records what the coordinator did with an observation.
type LedgerDisposition string

const (
	DispositionApplied   LedgerDisposition = "applied"
	DispositionDuplicate LedgerDisposition = "duplicate"
	DispositionIgnored   LedgerDisposition = "ignored"
	DispositionConflict  LedgerDisposition = "conflict"
	DispositionRejected  LedgerDisposition = "rejected"
	DispositionFrozen    LedgerDisposition = "frozen"
)

// String implements fmt.Stringer.
func (d LedgerDisposition) String() string {
	return string(d)
}

// Accepted reports whether the caller should treat the observation as handled
// successfully.
func (d LedgerDisposition) Accepted() bool {
	return d != DispositionRejected
}
