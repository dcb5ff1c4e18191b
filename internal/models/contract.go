package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Contract statuses.
const (
	ContractSimulation  = "SIMULATION"
	ContractEmis        = "EMIS"
	ContractActif       = "ACTIF"
	ContractExpire      = "EXPIRE"
	ContractAnnule      = "ANNULE"       // cancelled and confirmed by the insurer
	ContractAnnuleLocal = "ANNULE_LOCAL" // cancelled here, insurer unreachable or refused
	ContractPendingDocs = "PENDING_DOCS" // issued but attestation/brown card still missing
)

// ValidDurations lists the insurable durations in months.
var ValidDurations = map[int]bool{1: true, 2: true, 3: true, 6: true, 12: true}

// Contract represents an issued (or simulated) motor policy with its
// premium breakdown and commission split.
type Contract struct {
	ID          int64  `json:"id"`
	ClientID    int64  `json:"clientId"`
	VehiculeID  int64  `json:"vehiculeId"`
	ApporteurID int64  `json:"apporteurId"`
	Statut      string `json:"statut"`

	DateEffet    string `json:"dateEffet"`    // YYYY-MM-DD
	DureeMois    int    `json:"dureeMois"`    // 1, 2, 3, 6 or 12
	DateEcheance string `json:"dateEcheance"` // effet + durée − 1 jour

	PrimeNette  decimal.Decimal `json:"primeNette"`
	Accessoires decimal.Decimal `json:"accessoires"`
	FGA         decimal.Decimal `json:"fga"`
	Taxes       decimal.Decimal `json:"taxes"`
	PrimeTTC    decimal.Decimal `json:"primeTTC"`

	CommissionAskia     decimal.Decimal `json:"commissionAskia"`
	CommissionApporteur decimal.Decimal `json:"commissionApporteur"`
	MargeCompagnie      decimal.Decimal `json:"margeCompagnie"`
	NetAReverser        decimal.Decimal `json:"netAReverser"`

	NumeroPolice     *string `json:"numeroPolice,omitempty"`
	NumeroFacture    *string `json:"numeroFacture,omitempty"`
	IDSaisie         string  `json:"-"` // insurer capture id, replayed on recovery
	LienAttestation  string  `json:"lienAttestation,omitempty"`
	LienCarteBrune   string  `json:"lienCarteBrune,omitempty"`
	RaisonAnnulation string  `json:"raisonAnnulation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ContractWithDetails includes client, vehicle and broker context for
// list and detail views.
type ContractWithDetails struct {
	Contract
	ClientPrenom    string `json:"clientPrenom"`
	ClientNom       string `json:"clientNom"`
	ClientTelephone string `json:"clientTelephone"`
	Immatriculation string `json:"immatriculation"`
	ApporteurPrenom string `json:"apporteurPrenom"`
	ApporteurNom    string `json:"apporteurNom"`
}

// SimulateContractRequest prices a risk without touching a plate or a
// client. Guarantee flags are 0/1 as the insurer expects them.
type SimulateContractRequest struct {
	Categorie        string          `json:"categorie"`
	SousCategorie    string          `json:"sousCategorie,omitempty"`
	Energie          string          `json:"energie"`
	PuissanceFiscale int             `json:"puissanceFiscale"`
	Places           int             `json:"places"`
	DureeMois        int             `json:"dureeMois"`
	ValeurNeuve      decimal.Decimal `json:"valeurNeuve"`
	ValeurVenale     decimal.Decimal `json:"valeurVenale"`
	ChargeUtile      int             `json:"chargeUtile,omitempty"`
	Recours          int             `json:"recours,omitempty"`
	Avaries          int             `json:"avaries,omitempty"`
	Vol              int             `json:"vol,omitempty"`
	Incendie         int             `json:"incendie,omitempty"`
	Personnes        int             `json:"personnes,omitempty"`
	BrisGlace        int             `json:"brisGlace,omitempty"`
}

// Validate checks if the simulation request contains valid data.
func (r *SimulateContractRequest) Validate() map[string]string {
	errors := map[string]string{}

	if r.Categorie == "" {
		errors["categorie"] = "La catégorie est requise"
	}
	if r.Energie == "" {
		errors["energie"] = "L'énergie est requise"
	}
	if !ValidDurations[r.DureeMois] {
		errors["dureeMois"] = "La durée doit être 1, 2, 3, 6 ou 12 mois"
	}
	if r.ValeurNeuve.IsNegative() || r.ValeurVenale.IsNegative() {
		errors["valeurVenale"] = "Les valeurs du véhicule ne peuvent pas être négatives"
	} else if r.ValeurNeuve.IsPositive() && r.ValeurVenale.GreaterThan(r.ValeurNeuve) {
		errors["valeurVenale"] = "La valeur vénale ne peut pas dépasser la valeur à neuf"
	}
	if r.Categorie == "520" && r.ChargeUtile <= 0 {
		errors["chargeUtile"] = "La charge utile est requise pour la catégorie 520"
	}

	return errors
}

// IssueContractRequest is the full issuance payload: an existing client
// id OR an inline new client, the vehicle, and the coverage period.
type IssueContractRequest struct {
	ClientID  int64                `json:"clientId,omitempty"`
	Client    *CreateClientRequest `json:"client,omitempty"`
	Vehicule  VehicleRequest       `json:"vehicule"`
	DateEffet string               `json:"dateEffet"` // YYYY-MM-DD
	DureeMois int                  `json:"dureeMois"`
	Recours   int                  `json:"recours,omitempty"`
	Avaries   int                  `json:"avaries,omitempty"`
	Vol       int                  `json:"vol,omitempty"`
	Incendie  int                  `json:"incendie,omitempty"`
	Personnes int                  `json:"personnes,omitempty"`
	BrisGlace int                  `json:"brisGlace,omitempty"`
}

// Validate checks if the issuance request contains valid data.
func (r *IssueContractRequest) Validate() map[string]string {
	errors := map[string]string{}

	switch {
	case r.ClientID == 0 && r.Client == nil:
		errors["client"] = "Renseigner un client existant ou les informations du nouveau client"
	case r.ClientID != 0 && r.Client != nil:
		errors["client"] = "Renseigner soit un client existant, soit un nouveau client, pas les deux"
	case r.Client != nil:
		for field, msg := range r.Client.Validate() {
			errors["client."+field] = msg
		}
	}

	for field, msg := range r.Vehicule.Validate() {
		errors[field] = msg
	}

	if r.DateEffet == "" {
		errors["dateEffet"] = "La date d'effet est requise"
	} else if _, err := time.Parse("2006-01-02", r.DateEffet); err != nil {
		errors["dateEffet"] = "La date d'effet doit être au format AAAA-MM-JJ"
	}
	if !ValidDurations[r.DureeMois] {
		errors["dureeMois"] = "La durée doit être 1, 2, 3, 6 ou 12 mois"
	}

	return errors
}

// RenewContractRequest reconducts an expiring contract. Empty fields
// default to the day after the old echeance and the old duration.
type RenewContractRequest struct {
	DateEffet string `json:"dateEffet,omitempty"`
	DureeMois int    `json:"dureeMois,omitempty"`
}

// Validate checks the fields that are present.
func (r *RenewContractRequest) Validate() map[string]string {
	errors := map[string]string{}

	if r.DateEffet != "" {
		if _, err := time.Parse("2006-01-02", r.DateEffet); err != nil {
			errors["dateEffet"] = "La date d'effet doit être au format AAAA-MM-JJ"
		}
	}
	if r.DureeMois != 0 && !ValidDurations[r.DureeMois] {
		errors["dureeMois"] = "La durée doit être 1, 2, 3, 6 ou 12 mois"
	}

	return errors
}

// CancelContractRequest carries the cancellation reason, kept on the
// contract for the audit trail.
type CancelContractRequest struct {
	Raison string `json:"raison"`
}

// Validate checks that a reason is given.
func (r *CancelContractRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.Raison) == "" {
		errors["raison"] = "Le motif d'annulation est requis"
	}

	return errors
}

// Echeance computes the policy end date: effet + durée, minus one day.
func Echeance(effet time.Time, months int) time.Time {
	return effet.AddDate(0, months, -1)
}
