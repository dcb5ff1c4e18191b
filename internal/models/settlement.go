package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement (encaissement) tracks the amount a broker owes the company
// for one contract: gross premium minus the broker's commission. One
// row per contract, created with the contract.
type Settlement struct {
	ID                   int64           `json:"id"`
	ContratID            int64           `json:"contratId"`
	MontantAPayer        decimal.Decimal `json:"montantAPayer"`
	Status               string          `json:"status"` // EN_ATTENTE, PAYE, ANNULE
	MethodePaiement      string          `json:"methodePaiement,omitempty"`
	ReferenceTransaction string          `json:"referenceTransaction,omitempty"`
	OpToken              string          `json:"-"` // Bictorys operation token, server-side only
	ChargeID             string          `json:"-"` // Bictorys charge id, server-side only
	NumeroCompte         string          `json:"numeroCompte,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// SettlementWithContract includes contract and broker context for list
// and detail views.
type SettlementWithContract struct {
	Settlement
	NumeroPolice    *string `json:"numeroPolice,omitempty"`
	ClientPrenom    string  `json:"clientPrenom"`
	ClientNom       string  `json:"clientNom"`
	Immatriculation string  `json:"immatriculation"`
	ApporteurID     int64   `json:"apporteurId"`
	ApporteurPrenom string  `json:"apporteurPrenom"`
	ApporteurNom    string  `json:"apporteurNom"`
}

// SettlementHistory is one entry of the append-only audit trail.
type SettlementHistory struct {
	ID             int64     `json:"id"`
	EncaissementID int64     `json:"encaissementId"`
	Action         string    `json:"action"` // CREATION, STATUS_CHANGE, VALIDATION, MODIFICATION
	EffectuePar    *int64    `json:"effectuePar,omitempty"`
	EffectueParNom *string   `json:"effectueParNom,omitempty"`
	Details        string    `json:"details"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SettlementSummary aggregates count and amount per status for the
// list header.
type SettlementSummary struct {
	Status  string          `json:"status"`
	Count   int64           `json:"count"`
	Montant decimal.Decimal `json:"montant"`
}

// ValidatePaymentRequest is the staff payload for marking a settlement
// paid manually. Method and reference rules are enforced by the
// settlement state machine.
type ValidatePaymentRequest struct {
	MethodePaiement      string `json:"methodePaiement"`
	ReferenceTransaction string `json:"referenceTransaction"`
	NumeroCompte         string `json:"numeroCompte,omitempty"`
	Notes                string `json:"notes,omitempty"`
}

// Validate checks that the payment fields are present.
func (r *ValidatePaymentRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.MethodePaiement) == "" {
		errors["methodePaiement"] = "La méthode de paiement est requise"
	}
	if strings.TrimSpace(r.ReferenceTransaction) == "" {
		errors["referenceTransaction"] = "La référence de transaction est requise"
	}

	return errors
}

// CheckoutRequest starts an online payment for a settlement.
type CheckoutRequest struct {
	PaymentType string `json:"paymentType,omitempty"` // e.g. "wave_money", "orange_money", "card"
}

// CheckoutResponse returns the hosted payment page.
type CheckoutResponse struct {
	PaymentURL string `json:"paymentUrl"`
	ChargeID   string `json:"chargeId,omitempty"`
	Reference  string `json:"reference"`
}
