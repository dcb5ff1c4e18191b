package askia

import (
	"fmt"
	"strings"
)

// The client surfaces a closed set of error kinds so callers can branch
// with errors.As instead of parsing message text. Transport and HTTP
// failures follow the retry policy; business refusals never retry and
// keep the provider's wording for display.

// ValidationError reports caller input rejected before any network call.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return "champs requis manquants: " + strings.Join(e.Missing, ", ")
	}
	return e.Reason
}

// TransportError is a network-level failure: DNS, connection reset, or
// a timeout that survived the retry budget.
type TransportError struct {
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("timeout API Askia: %s", e.Endpoint)
	}
	return fmt.Sprintf("erreur réseau API Askia (%s): %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx answer left after the retry policy ran out.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Preview    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("erreur HTTP Askia %d sur %s", e.StatusCode, e.Endpoint)
}

// InvalidResponseError is a 2xx answer whose body cannot be used:
// non-JSON, wrong JSON shape, or missing a field the operation needs.
type InvalidResponseError struct {
	Endpoint string
	Reason   string
	Preview  string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("réponse API Askia invalide (%s): %s", e.Endpoint, e.Reason)
}

// BusinessError is an explicit refusal carried inside a 2xx body.
// ContractInForce marks the "contrat en cours" refusal that triggers
// the idempotent recovery probe during issuance.
type BusinessError struct {
	Endpoint        string
	Message         string
	ContractInForce bool
}

func (e *BusinessError) Error() string {
	return "erreur métier Askia: " + e.Message
}

// IssuanceError: the create call answered 2xx but without the policy
// and invoice numbers that prove a contract was issued.
type IssuanceError struct {
	Message string
}

func (e *IssuanceError) Error() string {
	return "émission échouée: " + e.Message
}
