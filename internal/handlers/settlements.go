package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"brokerage-backend/internal/bictorys"
	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
	"brokerage-backend/internal/settlement"
)

// SettlementHandler serves the money collection side: tracking what
// each contract owes, manual validation by staff, and hosted checkout
// links through Bictorys.
type SettlementHandler struct {
	db         database.Service
	payments   *bictorys.Client
	successURL string
}

func NewSettlementHandler(db database.Service, payments *bictorys.Client, successURL string) *SettlementHandler {
	return &SettlementHandler{db: db, payments: payments, successURL: successURL}
}

const settlementCols = `e.id, e.contrat_id, e.montant_a_payer, e.status, e.methode_paiement,
	e.reference_transaction, e.op_token, e.charge_id, e.numero_compte, e.notes,
	e.created_at, e.updated_at`

func scanSettlement(scanner interface{ Scan(...interface{}) error }, s *models.Settlement) error {
	return scanner.Scan(
		&s.ID, &s.ContratID, &s.MontantAPayer, &s.Status, &s.MethodePaiement,
		&s.ReferenceTransaction, &s.OpToken, &s.ChargeID, &s.NumeroCompte, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
	)
}

// ── List ───────────────────────────────────────────────────────

// List handles GET /api/encaissements
func (h *SettlementHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	where, args, argIdx = appendApporteurScope(ctx, where, args, argIdx, "ct.apporteur_id")

	if status := q.Get("status"); status != "" {
		where += fmt.Sprintf(" AND e.status = $%d", argIdx)
		args = append(args, strings.ToUpper(status))
		argIdx++
	}
	if search := q.Get("search"); search != "" {
		where += fmt.Sprintf(` AND (ct.numero_police ILIKE $%d OR cl.nom ILIKE $%d
			OR cl.prenom ILIKE $%d OR v.immatriculation ILIKE $%d)`,
			argIdx, argIdx, argIdx, argIdx)
		args = append(args, "%"+search+"%")
		argIdx++
	}

	joins := `FROM encaissements e
		JOIN contrats ct ON ct.id = e.contrat_id
		JOIN clients cl ON cl.id = ct.client_id
		JOIN vehicules v ON v.id = ct.vehicule_id
		JOIN users u ON u.id = ct.apporteur_id`

	var total int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) "+joins+" "+where, args...).Scan(&total); err != nil {
		log.Printf("Error counting settlements: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les règlements")
		return
	}

	args = append(args, limit, offset)
	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, ct.numero_police, cl.prenom, cl.nom, v.immatriculation,
			ct.apporteur_id, u.prenom, u.nom
		%s %s
		ORDER BY e.created_at DESC
		LIMIT $%d OFFSET $%d
	`, settlementCols, joins, where, argIdx, argIdx+1), args...)
	if err != nil {
		log.Printf("Error querying settlements: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les règlements")
		return
	}
	defer rows.Close()

	settlements := []models.SettlementWithContract{}
	for rows.Next() {
		var s models.SettlementWithContract
		if err := rows.Scan(
			&s.ID, &s.ContratID, &s.MontantAPayer, &s.Status, &s.MethodePaiement,
			&s.ReferenceTransaction, &s.OpToken, &s.ChargeID, &s.NumeroCompte, &s.Notes,
			&s.CreatedAt, &s.UpdatedAt,
			&s.NumeroPolice, &s.ClientPrenom, &s.ClientNom, &s.Immatriculation,
			&s.ApporteurID, &s.ApporteurPrenom, &s.ApporteurNom,
		); err != nil {
			log.Printf("Error scanning settlement: %v", err)
			continue
		}
		settlements = append(settlements, s)
	}

	JSON(w, http.StatusOK, PaginatedResponse{
		Data: settlements,
		Pagination: PaginationMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

// ── Summary ────────────────────────────────────────────────────

// Summary handles GET /api/encaissements/summary — count and total
// amount per status, scoped to the caller.
func (h *SettlementHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	where := "WHERE 1=1"
	args := []interface{}{}
	where, args, _ = appendApporteurScope(ctx, where, args, 1, "ct.apporteur_id")

	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT e.status, COUNT(*), COALESCE(SUM(e.montant_a_payer), 0)
		FROM encaissements e
		JOIN contrats ct ON ct.id = e.contrat_id
		%s
		GROUP BY e.status
		ORDER BY e.status
	`, where), args...)
	if err != nil {
		log.Printf("Error querying settlement summary: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le résumé")
		return
	}
	defer rows.Close()

	summary := []models.SettlementSummary{}
	for rows.Next() {
		var s models.SettlementSummary
		if err := rows.Scan(&s.Status, &s.Count, &s.Montant); err != nil {
			continue
		}
		summary = append(summary, s)
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": summary})
}

// ── GetByID ────────────────────────────────────────────────────

// GetByID handles GET /api/encaissements/{id} — the settlement, its
// contract context and the full audit history.
func (h *SettlementHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkSettlementAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	var s models.SettlementWithContract
	err = pool.QueryRow(ctx, `
		SELECT `+settlementCols+`, ct.numero_police, cl.prenom, cl.nom, v.immatriculation,
			ct.apporteur_id, u.prenom, u.nom
		FROM encaissements e
		JOIN contrats ct ON ct.id = e.contrat_id
		JOIN clients cl ON cl.id = ct.client_id
		JOIN vehicules v ON v.id = ct.vehicule_id
		JOIN users u ON u.id = ct.apporteur_id
		WHERE e.id = $1
	`, id).Scan(
		&s.ID, &s.ContratID, &s.MontantAPayer, &s.Status, &s.MethodePaiement,
		&s.ReferenceTransaction, &s.OpToken, &s.ChargeID, &s.NumeroCompte, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
		&s.NumeroPolice, &s.ClientPrenom, &s.ClientNom, &s.Immatriculation,
		&s.ApporteurID, &s.ApporteurPrenom, &s.ApporteurNom,
	)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	history, err := h.listHistory(ctx, id)
	if err != nil {
		log.Printf("Error fetching history for settlement %d: %v", id, err)
		history = []models.SettlementHistory{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"encaissement": s,
			"historique":   history,
		},
	})
}

func (h *SettlementHandler) listHistory(ctx context.Context, settlementID int64) ([]models.SettlementHistory, error) {
	pool := h.db.GetPool()

	rows, err := pool.Query(ctx, `
		SELECT hi.id, hi.encaissement_id, hi.action, hi.effectue_par,
			CASE WHEN u.id IS NULL THEN NULL ELSE u.prenom || ' ' || u.nom END,
			hi.details, hi.created_at
		FROM historique_encaissements hi
		LEFT JOIN users u ON u.id = hi.effectue_par
		WHERE hi.encaissement_id = $1
		ORDER BY hi.created_at DESC, hi.id DESC
	`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []models.SettlementHistory{}
	for rows.Next() {
		var e models.SettlementHistory
		if err := rows.Scan(&e.ID, &e.EncaissementID, &e.Action, &e.EffectuePar,
			&e.EffectueParNom, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	return history, nil
}

// ── Validate ───────────────────────────────────────────────────

// Validate handles PUT /api/encaissements/{id}/validate — staff
// records an out-of-band payment. The row is locked for the guard
// checks so a webhook arriving at the same moment cannot double-pay.
func (h *SettlementHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.ValidatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Corps JSON invalide")
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "Validation échouée",
			"details": errs,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	tx, err := pool.Begin(ctx)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible de valider le règlement")
		return
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM encaissements WHERE id = $1 FOR UPDATE", id).Scan(&status)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	payment, err := settlement.ValidatePayment(status, req.MethodePaiement, req.ReferenceTransaction, nil)
	if err != nil {
		var te *settlement.TransitionError
		if errors.As(err, &te) {
			JSONError(w, http.StatusConflict, te.Error())
			return
		}
		JSONError(w, http.StatusInternalServerError, "Impossible de valider le règlement")
		return
	}

	var s models.Settlement
	err = scanSettlement(tx.QueryRow(ctx, `
		UPDATE encaissements AS e SET status = $1, methode_paiement = $2,
			reference_transaction = $3, numero_compte = $4, notes = $5, updated_at = NOW()
		WHERE e.id = $6
		RETURNING `+settlementCols,
		settlement.StatusPaid, payment.Method, payment.Reference,
		req.NumeroCompte, req.Notes, id), &s)
	if err != nil {
		log.Printf("Failed to validate settlement %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de valider le règlement")
		return
	}

	actorID := currentUserID(r.Context())
	_, err = tx.Exec(ctx, `
		INSERT INTO historique_encaissements (encaissement_id, action, effectue_par, details)
		VALUES ($1, $2, $3, $4)
	`, id, settlement.ActionValidation, actorID,
		settlement.PaymentDetails(payment.Method, payment.Reference))
	if err != nil {
		log.Printf("Failed to record validation history for settlement %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de valider le règlement")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible de valider le règlement")
		return
	}

	go logActivity(pool, ctxkeys.CurrentUserID(r.Context()), "validated", "encaissement",
		strconv.FormatInt(id, 10), map[string]interface{}{
			"methode":   payment.Method,
			"reference": payment.Reference,
		})

	JSON(w, http.StatusOK, map[string]interface{}{"data": s})
}

// ── Checkout ───────────────────────────────────────────────────

// Checkout handles POST /api/encaissements/{id}/checkout — creates a
// hosted payment page at Bictorys and hands the URL back. The op
// token is kept server-side for later reads of the charge.
func (h *SettlementHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		JSONError(w, http.StatusBadRequest, "Corps JSON invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkSettlementAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	var s models.Settlement
	var clientPrenom, clientNom, clientPhone, clientEmail string
	err = pool.QueryRow(ctx, `
		SELECT `+settlementCols+`, cl.prenom, cl.nom, cl.telephone, cl.email
		FROM encaissements e
		JOIN contrats ct ON ct.id = e.contrat_id
		JOIN clients cl ON cl.id = ct.client_id
		WHERE e.id = $1
	`, id).Scan(
		&s.ID, &s.ContratID, &s.MontantAPayer, &s.Status, &s.MethodePaiement,
		&s.ReferenceTransaction, &s.OpToken, &s.ChargeID, &s.NumeroCompte, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
		&clientPrenom, &clientNom, &clientPhone, &clientEmail,
	)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	if s.Status != settlement.StatusPending {
		JSONError(w, http.StatusConflict, "Seul un règlement en attente peut être payé en ligne")
		return
	}

	reference := h.payments.PaymentReference(id)
	charge, err := h.payments.CreateCharge(ctx, bictorys.ChargeParams{
		SettlementID:        id,
		Amount:              s.MontantAPayer,
		SuccessURL:          h.successURL,
		ErrorURL:            h.successURL,
		CustomerName:        strings.TrimSpace(clientPrenom + " " + clientNom),
		CustomerPhone:       clientPhone,
		CustomerEmail:       clientEmail,
		PaymentType:         req.PaymentType,
		MerchantReference:   reference,
		AllowUpdateCustomer: true,
	})
	if err != nil {
		if errors.Is(err, bictorys.ErrNotConfigured) {
			JSONError(w, http.StatusServiceUnavailable, "Le paiement en ligne n'est pas configuré")
			return
		}
		log.Printf("Failed to create charge for settlement %d: %v", id, err)
		JSONError(w, http.StatusBadGateway, "Le service de paiement est indisponible. Réessayez plus tard.")
		return
	}

	if _, err := pool.Exec(ctx,
		"UPDATE encaissements SET op_token = $1, charge_id = $2, updated_at = NOW() WHERE id = $3",
		charge.OpToken, charge.ID, id); err != nil {
		log.Printf("Failed to store charge identifiers for settlement %d: %v", id, err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO historique_encaissements (encaissement_id, action, effectue_par, details)
		VALUES ($1, $2, $3, $4)
	`, id, settlement.ActionModification, currentUserID(r.Context()),
		fmt.Sprintf("Lien de paiement généré | Ref=%s", reference)); err != nil {
		log.Printf("Failed to record checkout history for settlement %d: %v", id, err)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"data": models.CheckoutResponse{
			PaymentURL: charge.PaymentURL,
			ChargeID:   charge.ID,
			Reference:  reference,
		},
	})
}

// ── Charge probe ───────────────────────────────────────────────

// ProbeCharge handles GET /api/encaissements/{id}/charge — staff reads
// the charge state back from the provider, for reconciling settlements
// whose webhook never arrived.
func (h *SettlementHandler) ProbeCharge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	var chargeID, opToken string
	err = pool.QueryRow(ctx,
		"SELECT charge_id, op_token FROM encaissements WHERE id = $1", id).Scan(&chargeID, &opToken)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}
	if chargeID == "" {
		JSONError(w, http.StatusConflict, "Aucun paiement en ligne initié pour ce règlement")
		return
	}

	charge, err := h.payments.GetCharge(ctx, chargeID, opToken)
	if err != nil {
		if errors.Is(err, bictorys.ErrNotConfigured) {
			JSONError(w, http.StatusServiceUnavailable, "Le paiement en ligne n'est pas configuré")
			return
		}
		log.Printf("Failed to read charge %s for settlement %d: %v", chargeID, id, err)
		JSONError(w, http.StatusBadGateway, "Le service de paiement est indisponible. Réessayez plus tard.")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": charge})
}
