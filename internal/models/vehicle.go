package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Vehicle represents an insured vehicle. Immatriculation holds the
// canonical dashed plate; ImmatCompacte the dash-stripped form that
// enforces uniqueness.
type Vehicle struct {
	ID               int64           `json:"id"`
	ClientID         int64           `json:"clientId"`
	Immatriculation  string          `json:"immatriculation"`
	ImmatCompacte    string          `json:"immatCompacte"`
	Categorie        string          `json:"categorie"`
	SousCategorie    string          `json:"sousCategorie"`
	Carrosserie      string          `json:"carrosserie"`
	MarqueCode       string          `json:"marqueCode"`
	Modele           string          `json:"modele"`
	Energie          string          `json:"energie"` // ES (essence), GO (diesel)
	PuissanceFiscale int             `json:"puissanceFiscale"`
	Places           int             `json:"places"`
	ValeurNeuve      decimal.Decimal `json:"valeurNeuve"`
	ValeurVenale     decimal.Decimal `json:"valeurVenale"`
	ChargeUtile      int             `json:"chargeUtile,omitempty"` // kg, category 520 only
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// VehicleRequest holds the vehicle fields for creation and for the
// issuance flow. The plate is accepted free-form and normalized before
// storage.
type VehicleRequest struct {
	Immatriculation  string          `json:"immatriculation"`
	Categorie        string          `json:"categorie"`
	SousCategorie    string          `json:"sousCategorie,omitempty"`
	Carrosserie      string          `json:"carrosserie,omitempty"`
	MarqueCode       string          `json:"marqueCode"`
	Modele           string          `json:"modele"`
	Energie          string          `json:"energie"`
	PuissanceFiscale int             `json:"puissanceFiscale"`
	Places           int             `json:"places"`
	ValeurNeuve      decimal.Decimal `json:"valeurNeuve"`
	ValeurVenale     decimal.Decimal `json:"valeurVenale"`
	ChargeUtile      int             `json:"chargeUtile,omitempty"`
}

// Validate checks if the vehicle payload contains valid data.
func (r *VehicleRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.Immatriculation) == "" {
		errors["immatriculation"] = "L'immatriculation est requise"
	}
	if r.Categorie == "" {
		errors["categorie"] = "La catégorie est requise"
	}
	if r.MarqueCode == "" {
		errors["marqueCode"] = "La marque est requise"
	}
	if strings.TrimSpace(r.Modele) == "" {
		errors["modele"] = "Le modèle est requis"
	}
	if r.Energie == "" {
		errors["energie"] = "L'énergie est requise"
	}
	if r.PuissanceFiscale < 1 {
		errors["puissanceFiscale"] = "La puissance fiscale doit être au moins 1"
	}
	if r.Places < 1 {
		errors["places"] = "Le nombre de places doit être au moins 1"
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
