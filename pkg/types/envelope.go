package types

// SuccessEnvelope wraps every 2xx body: {"data": ...}.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public face of a typed error. Retryable tells clients a
// repeat with the same Idempotency-Key may succeed.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
