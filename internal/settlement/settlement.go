// Package settlement provides the pure state machine for broker
// settlements (encaissements). These functions have ZERO dependencies
// on HTTP, database, or any other infrastructure — making them
// trivially testable and reusable. Persistence and row locking live
// with the handlers; every guard lives here.
package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ── Status Constants ─────────────────────────────────────────────
// A settlement is born EN_ATTENTE and ends in exactly one of the two
// terminal states. PAYE is immutable; ANNULE only accepts another
// cancellation, which is a no-op.

const (
	StatusPending   = "EN_ATTENTE"
	StatusPaid      = "PAYE"
	StatusCancelled = "ANNULE"
)

// ── History Action Constants ─────────────────────────────────────

const (
	ActionCreation     = "CREATION"
	ActionStatusChange = "STATUS_CHANGE"
	ActionValidation   = "VALIDATION"
	ActionModification = "MODIFICATION"
)

// ReferenceMinLength is the minimum transaction-reference length
// accepted on payment.
const ReferenceMinLength = 6

// MethodMaxLength truncates free-form provider method labels.
const MethodMaxLength = 50

// DefaultMethods are the payment methods accepted on a PENDING→PAID
// transition. Matching is done on the upper-cased, trimmed input.
var DefaultMethods = []string{
	"WAVE-SN",
	"OM-SN",
	"CARD",
	"BICTORYS",
	"ESPECES",
	"VIREMENT",
}

// SyncTolerance is the rounding tolerance between a settlement amount
// and the contract's net-payable figure.
var SyncTolerance = decimal.RequireFromString("0.01")

// WebhookTolerance is the looser tolerance granted to checkout
// providers that round to whole currency units.
var WebhookTolerance = decimal.NewFromInt(1)

// ── Errors ───────────────────────────────────────────────────────

// TransitionError reports a state-machine guard violation.
type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("transition %s → %s interdite", e.From, e.To)
}

// FraudError reports a received amount outside the accepted tolerance.
// Logged as a fraud signal and surfaced as a rejection, never as a
// state change.
type FraudError struct {
	Expected decimal.Decimal
	Received decimal.Decimal
}

func (e *FraudError) Error() string {
	return fmt.Sprintf("montant incohérent: attendu %s, reçu %s",
		e.Expected.StringFixed(2), e.Received.StringFixed(2))
}

// ── Transition Matrix ────────────────────────────────────────────

// Transition validates a status change. It returns noop=true for the
// one tolerated repeat, cancelling an already cancelled settlement.
// Payment-specific guards (method, reference) are layered on top by
// ValidatePayment.
func Transition(from, to string) (noop bool, err error) {
	switch {
	case from == StatusPending && to == StatusPaid:
		return false, nil
	case from == StatusPending && to == StatusCancelled:
		return false, nil
	case from == StatusCancelled && to == StatusCancelled:
		return true, nil
	case from == StatusPaid && to == StatusCancelled:
		return false, &TransitionError{From: from, To: to, Reason: "impossible d'annuler un règlement payé"}
	case from == StatusPaid && to == StatusPaid:
		return false, &TransitionError{From: from, To: to, Reason: "déjà payé"}
	case from == StatusCancelled:
		return false, &TransitionError{From: from, To: to, Reason: "règlement annulé"}
	default:
		return false, &TransitionError{From: from, To: to}
	}
}

// ── Payment Guards ───────────────────────────────────────────────

// Payment is a validated PENDING→PAID request: cleaned method and
// reference, ready to persist.
type Payment struct {
	Method    string
	Reference string
}

// ValidatePayment runs every PENDING→PAID guard: current status,
// accepted method, reference length. methods defaults to
// DefaultMethods when nil.
func ValidatePayment(current, method, reference string, methods []string) (*Payment, error) {
	if _, err := Transition(current, StatusPaid); err != nil {
		return nil, err
	}

	cleanMethod := NormalizeMethod(method)
	if !methodAllowed(cleanMethod, methods) {
		return nil, &TransitionError{
			From:   current,
			To:     StatusPaid,
			Reason: fmt.Sprintf("méthode de paiement inconnue: %q", method),
		}
	}

	cleanRef := strings.TrimSpace(reference)
	if len(cleanRef) < ReferenceMinLength {
		return nil, &TransitionError{
			From:   current,
			To:     StatusPaid,
			Reason: fmt.Sprintf("référence trop courte (%d min)", ReferenceMinLength),
		}
	}

	return &Payment{Method: cleanMethod, Reference: cleanRef}, nil
}

// NormalizeMethod upper-cases, trims and truncates a method label.
func NormalizeMethod(method string) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if len(m) > MethodMaxLength {
		m = m[:MethodMaxLength]
	}
	return m
}

func methodAllowed(method string, methods []string) bool {
	if method == "" {
		return false
	}
	if methods == nil {
		methods = DefaultMethods
	}
	for _, m := range methods {
		if method == strings.ToUpper(m) {
			return true
		}
	}
	return false
}

// ── Amount Reconciliation ────────────────────────────────────────

// SyncAmount decides the amount a settlement should carry. A new or
// zero amount is synchronized from the contract's net-payable figure;
// an explicit amount must agree with it within SyncTolerance.
func SyncAmount(current, netPayable decimal.Decimal, isNew bool) (decimal.Decimal, error) {
	if isNew || current.IsZero() {
		return netPayable, nil
	}
	if current.Sub(netPayable).Abs().GreaterThan(SyncTolerance) {
		return current, fmt.Errorf("incohérent, montant attendu: %s", netPayable.StringFixed(2))
	}
	return current, nil
}

// CheckAmount compares a received amount against the expected one
// within the given tolerance. Outside it, the mismatch is a fraud
// signal.
func CheckAmount(expected, received, tolerance decimal.Decimal) error {
	if expected.Sub(received).Abs().GreaterThan(tolerance) {
		return &FraudError{Expected: expected, Received: received}
	}
	return nil
}

// ── History Details ──────────────────────────────────────────────

// PaymentDetails renders the audit line recorded on validation.
func PaymentDetails(method, reference string) string {
	if method == "" {
		method = "N/A"
	}
	return fmt.Sprintf("Paiement %s | Ref=%s", method, reference)
}

// StatusChangeDetails renders the audit line recorded on a status
// change.
func StatusChangeDetails(from, to, reason string) string {
	details := fmt.Sprintf("%s → %s", from, to)
	if reason != "" {
		details += " | " + reason
	}
	return details
}
