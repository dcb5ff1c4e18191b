package models

import (
	"strings"
	"time"
)

// Onboarding statuses.
const (
	OnboardingPending   = "EN_ATTENTE_VALIDATION" // collecting documents
	OnboardingSubmitted = "SOUMIS"                // waiting for staff review
	OnboardingValidated = "VALIDE"
	OnboardingRejected  = "REJETE"
)

// TermsVersion is the current broker agreement version recorded on
// acceptance.
const TermsVersion = "v1.0"

// Onboarding is the KYC dossier of an apporteur: one row per user,
// created lazily on first access. File fields hold storage keys.
type Onboarding struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	Statut          string     `json:"statut"`
	CNIRecto        string     `json:"cniRecto,omitempty"`
	CNIVerso        string     `json:"cniVerso,omitempty"`
	Signature       string     `json:"signature,omitempty"`
	ContratPDF      string     `json:"contratPdf,omitempty"`
	TermsAccepted   bool       `json:"termsAccepted"`
	TermsAcceptedAt *time.Time `json:"termsAcceptedAt,omitempty"`
	TermsVersion    string     `json:"termsVersion,omitempty"`
	TermsIP         string     `json:"-"`
	TermsUserAgent  string     `json:"-"`
	MotifRejet      string     `json:"motifRejet,omitempty"`
	TraitePar       *int64     `json:"traitePar,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Complete reports whether the dossier can be submitted: terms accepted
// plus both CNI sides and the signature. The signed contract PDF is
// generated afterwards and not required here.
func (o *Onboarding) Complete() bool {
	return o.TermsAccepted && o.CNIRecto != "" && o.CNIVerso != "" && o.Signature != ""
}

// OnboardingWithUser adds the broker's identity for the staff review
// list.
type OnboardingWithUser struct {
	Onboarding
	Prenom    string `json:"prenom"`
	Nom       string `json:"nom"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
}

// RejectOnboardingRequest carries the staff rejection reason.
type RejectOnboardingRequest struct {
	Motif string `json:"motif"`
}

// Validate checks that a reason is given.
func (r *RejectOnboardingRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.Motif) == "" {
		errors["motif"] = "Le motif de rejet est requis"
	}

	return errors
}
