package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/bictorys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/settlement"
)

// paidStatuses are the provider statuses that mean "money received".
// Anything else is acknowledged and dropped.
var paidStatuses = map[string]bool{
	"succeeded":  true,
	"authorized": true,
	"successful": true,
}

// WebhookHandler receives payment confirmations from Bictorys. The
// provider only sees HTTP statuses; every rejection detail stays in
// our logs.
type WebhookHandler struct {
	db       database.Service
	payments *bictorys.Client
	secret   string
}

func NewWebhookHandler(db database.Service, payments *bictorys.Client, secret string) *WebhookHandler {
	return &WebhookHandler{db: db, payments: payments, secret: secret}
}

// HandleBictorys handles POST /api/webhooks/bictorys.
//
// The settlement row is locked for the whole transaction so two
// concurrent deliveries for the same payment cannot double-credit it,
// and the status change and its history entry commit as one unit.
func (h *WebhookHandler) HandleBictorys(w http.ResponseWriter, r *http.Request) {
	// Fail closed: no configured secret means no webhook accepted.
	key := r.Header.Get("X-API-Key")
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.secret)) != 1 {
		JSONError(w, http.StatusUnauthorized, "Non autorisé")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Corps illisible")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		JSONError(w, http.StatusBadRequest, "JSON invalide")
		return
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		payload = data
	}

	status := strings.ToLower(webhookString(payload, "status"))
	if !paidStatuses[status] {
		log.Printf("[webhook] ignoring status %q", status)
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	reference := webhookString(payload, "paymentReference", "merchantReference", "reference")
	settlementID, err := h.payments.ParseReference(reference)
	if err != nil {
		log.Printf("[webhook] %v", err)
		JSONError(w, http.StatusBadRequest, "Référence de paiement invalide")
		return
	}

	received, ok := webhookAmount(payload)
	if !ok {
		log.Printf("[webhook] missing amount for settlement %d", settlementID)
		JSONError(w, http.StatusBadRequest, "Montant manquant")
		return
	}

	chargeID := webhookString(payload, "id", "chargeId")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Printf("[webhook] begin failed: %v", err)
		JSONError(w, http.StatusInternalServerError, "Erreur interne")
		return
	}
	defer tx.Rollback(ctx)

	var status0 string
	var expected decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT status, montant_a_payer FROM encaissements WHERE id = $1 FOR UPDATE",
		settlementID).Scan(&status0, &expected)
	if err != nil {
		log.Printf("[webhook] unknown settlement %d", settlementID)
		JSONError(w, http.StatusNotFound, "Règlement introuvable")
		return
	}

	// Replays of an already confirmed payment are fine, nothing to redo.
	if status0 == settlement.StatusPaid {
		JSON(w, http.StatusOK, map[string]string{"status": "already processed"})
		return
	}

	if err := settlement.CheckAmount(expected, received, settlement.WebhookTolerance); err != nil {
		var fraud *settlement.FraudError
		if errors.As(err, &fraud) {
			log.Printf("[webhook] FRAUD SIGNAL on settlement %d: %v", settlementID, fraud)
		}
		JSONError(w, http.StatusBadRequest, "Montant incohérent")
		return
	}

	if _, err := settlement.Transition(status0, settlement.StatusPaid); err != nil {
		log.Printf("[webhook] refused transition for settlement %d: %v", settlementID, err)
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	txRef := chargeID
	if txRef == "" {
		txRef = reference
	}

	_, err = tx.Exec(ctx, `
		UPDATE encaissements SET status = $1, methode_paiement = $2,
			reference_transaction = $3, charge_id = $4, updated_at = NOW()
		WHERE id = $5
	`, settlement.StatusPaid, "BICTORYS", txRef, chargeID, settlementID)
	if err != nil {
		log.Printf("[webhook] update failed for settlement %d: %v", settlementID, err)
		JSONError(w, http.StatusInternalServerError, "Erreur interne")
		return
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO historique_encaissements (encaissement_id, action, effectue_par, details)
		VALUES ($1, $2, NULL, $3)
	`, settlementID, settlement.ActionValidation,
		settlement.PaymentDetails("BICTORYS", txRef))
	if err != nil {
		log.Printf("[webhook] history insert failed for settlement %d: %v", settlementID, err)
		JSONError(w, http.StatusInternalServerError, "Erreur interne")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("[webhook] commit failed for settlement %d: %v", settlementID, err)
		JSONError(w, http.StatusInternalServerError, "Erreur interne")
		return
	}

	log.Printf("[webhook] settlement %d paid (charge %s)", settlementID, chargeID)
	JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// webhookString returns the first non-empty string value among keys.
func webhookString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// webhookAmount reads the amount field, tolerating both JSON numbers
// and strings.
func webhookAmount(m map[string]interface{}) (decimal.Decimal, bool) {
	switch v := m["amount"].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}
