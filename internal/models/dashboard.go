package models

import "github.com/shopspring/decimal"

// DashboardMetrics holds the role-scoped home screen figures. For an
// APPORTEUR everything is restricted to their own book; staff see the
// whole portfolio plus the user/client counters.
type DashboardMetrics struct {
	ContratsParStatut map[string]int64 `json:"contratsParStatut"`
	PrimesMois        decimal.Decimal  `json:"primesMois"`      // gross premium issued this month
	CommissionsMois   decimal.Decimal  `json:"commissionsMois"` // broker commission this month
	CommissionsTotal  decimal.Decimal  `json:"commissionsTotal"`
	ReglementsAttente int64            `json:"reglementsAttente"` // settlements still EN_ATTENTE
	MontantAttente    decimal.Decimal  `json:"montantAttente"`
	TotalUsers        *int64           `json:"totalUsers,omitempty"`   // staff only
	TotalClients      *int64           `json:"totalClients,omitempty"` // staff only
}

// ExpiryAlert is one contract closing in on (or past) its due date.
type ExpiryAlert struct {
	ContratID       int64   `json:"contratId"`
	NumeroPolice    *string `json:"numeroPolice,omitempty"`
	ClientPrenom    string  `json:"clientPrenom"`
	ClientNom       string  `json:"clientNom"`
	Immatriculation string  `json:"immatriculation"`
	DateEcheance    string  `json:"dateEcheance"`
	JoursRestants   int     `json:"joursRestants"`
	Urgence         string  `json:"urgence"` // expired, urgent, warning
}
