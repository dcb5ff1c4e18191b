package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
)

// DashboardHandler handles dashboard-related HTTP requests.
type DashboardHandler struct {
	db database.Service
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(db database.Service) *DashboardHandler {
	return &DashboardHandler{db: db}
}

// ── GetMetrics ─────────────────────────────────────────────────

// GetMetrics handles GET /api/dashboard/metrics. An APPORTEUR sees
// their own book, staff see the whole portfolio plus user and client
// counters.
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()
	metrics := models.DashboardMetrics{
		ContratsParStatut: map[string]int64{},
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	where, args, _ = appendApporteurScope(ctx, where, args, 1, "ct.apporteur_id")

	rows, err := pool.Query(ctx, `
		SELECT ct.statut, COUNT(*) FROM contrats ct `+where+` GROUP BY ct.statut
	`, args...)
	if err != nil {
		log.Printf("Error querying contract counts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les indicateurs")
		return
	}
	for rows.Next() {
		var statut string
		var count int64
		if err := rows.Scan(&statut, &count); err != nil {
			continue
		}
		metrics.ContratsParStatut[statut] = count
	}
	rows.Close()

	// Cancelled contracts carry no production figures.
	err = pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(ct.prime_ttc) FILTER (WHERE date_trunc('month', ct.created_at) = date_trunc('month', CURRENT_DATE)), 0),
			COALESCE(SUM(ct.commission_apporteur) FILTER (WHERE date_trunc('month', ct.created_at) = date_trunc('month', CURRENT_DATE)), 0),
			COALESCE(SUM(ct.commission_apporteur), 0)
		FROM contrats ct
		`+where+` AND ct.statut NOT IN ('ANNULE', 'ANNULE_LOCAL')
	`, args...).Scan(&metrics.PrimesMois, &metrics.CommissionsMois, &metrics.CommissionsTotal)
	if err != nil {
		log.Printf("Error querying production figures: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les indicateurs")
		return
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(e.montant_a_payer), 0)
		FROM encaissements e
		JOIN contrats ct ON ct.id = e.contrat_id
		`+where+` AND e.status = 'EN_ATTENTE'
	`, args...).Scan(&metrics.ReglementsAttente, &metrics.MontantAttente)
	if err != nil {
		log.Printf("Error querying pending settlements: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les indicateurs")
		return
	}

	if ctxkeys.IsStaff(r.Context()) {
		var totalUsers, totalClients int64
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&totalUsers); err == nil {
			metrics.TotalUsers = &totalUsers
		}
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM clients").Scan(&totalClients); err == nil {
			metrics.TotalClients = &totalClients
		}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": metrics})
}

// ── GetExpiryAlerts ────────────────────────────────────────────

// GetExpiryAlerts handles GET /api/dashboard/expiring — contracts due
// within 30 days, most urgent first.
func (h *DashboardHandler) GetExpiryAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	where := "WHERE 1=1"
	args := []interface{}{}
	where, args, _ = appendApporteurScope(ctx, where, args, 1, "ct.apporteur_id")

	rows, err := pool.Query(ctx, `
		SELECT
			ct.id, ct.numero_police, cl.prenom, cl.nom, v.immatriculation,
			to_char(ct.date_echeance, 'YYYY-MM-DD'),
			(ct.date_echeance - CURRENT_DATE) AS jours_restants,
			CASE
				WHEN ct.date_echeance < CURRENT_DATE THEN 'expired'
				WHEN ct.date_echeance <= CURRENT_DATE + INTERVAL '7 days' THEN 'urgent'
				ELSE 'warning'
			END AS urgence
		FROM contrats ct
		JOIN clients cl ON cl.id = ct.client_id
		JOIN vehicules v ON v.id = ct.vehicule_id
		`+where+`
		  AND ct.statut IN ('EMIS', 'ACTIF', 'PENDING_DOCS')
		  AND ct.date_echeance <= CURRENT_DATE + INTERVAL '30 days'
		ORDER BY ct.date_echeance ASC
	`, args...)
	if err != nil {
		log.Printf("Error fetching expiry alerts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les alertes")
		return
	}
	defer rows.Close()

	alerts := []models.ExpiryAlert{}
	for rows.Next() {
		var a models.ExpiryAlert
		if err := rows.Scan(
			&a.ContratID, &a.NumeroPolice, &a.ClientPrenom, &a.ClientNom,
			&a.Immatriculation, &a.DateEcheance, &a.JoursRestants, &a.Urgence,
		); err != nil {
			log.Printf("Error scanning alert: %v", err)
			continue
		}
		alerts = append(alerts, a)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"total": len(alerts),
	})
}
