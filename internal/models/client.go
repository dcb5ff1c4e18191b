package models

import (
	"strings"
	"time"
)

// Client represents a policyholder. Every client belongs to the broker
// who created it; AskiaCode is the insurer-side client code, empty
// until the first issuance creates the client at the insurer.
type Client struct {
	ID            int64     `json:"id"`
	Prenom        string    `json:"prenom"`
	Nom           string    `json:"nom"`
	Telephone     string    `json:"telephone"`
	Email         string    `json:"email,omitempty"`
	Adresse       string    `json:"adresse,omitempty"`
	NumeroPiece   string    `json:"numeroPiece,omitempty"`
	DateNaissance *string   `json:"dateNaissance,omitempty"` // YYYY-MM-DD
	AskiaCode     string    `json:"askiaCode,omitempty"`
	ApporteurID   int64     `json:"apporteurId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateClientRequest holds the fields needed to create a client.
type CreateClientRequest struct {
	Prenom        string  `json:"prenom"`
	Nom           string  `json:"nom"`
	Telephone     string  `json:"telephone"`
	Email         string  `json:"email,omitempty"`
	Adresse       string  `json:"adresse,omitempty"`
	NumeroPiece   string  `json:"numeroPiece,omitempty"`
	DateNaissance *string `json:"dateNaissance,omitempty"`
}

// Validate checks if the create request contains valid data.
func (r *CreateClientRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.Prenom) == "" {
		errors["prenom"] = "Le prénom est requis"
	}
	if strings.TrimSpace(r.Nom) == "" {
		errors["nom"] = "Le nom est requis"
	}
	if !ValidPhone(r.Telephone) {
		errors["telephone"] = "Numéro de téléphone invalide (9 chiffres, ex: 771234567)"
	}
	if r.Email != "" && !strings.Contains(r.Email, "@") {
		errors["email"] = "Adresse email invalide"
	}

	return errors
}

// UpdateClientRequest holds the client fields that can be updated.
type UpdateClientRequest struct {
	Prenom        *string `json:"prenom,omitempty"`
	Nom           *string `json:"nom,omitempty"`
	Telephone     *string `json:"telephone,omitempty"`
	Email         *string `json:"email,omitempty"`
	Adresse       *string `json:"adresse,omitempty"`
	NumeroPiece   *string `json:"numeroPiece,omitempty"`
	DateNaissance *string `json:"dateNaissance,omitempty"`
}

// Validate checks the fields that are present.
func (r *UpdateClientRequest) Validate() map[string]string {
	errors := map[string]string{}

	if r.Telephone != nil && !ValidPhone(*r.Telephone) {
		errors["telephone"] = "Numéro de téléphone invalide (9 chiffres, ex: 771234567)"
	}
	if r.Email != nil && *r.Email != "" && !strings.Contains(*r.Email, "@") {
		errors["email"] = "Adresse email invalide"
	}

	return errors
}
