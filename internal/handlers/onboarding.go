package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
	"brokerage-backend/internal/storage"
)

// OnboardingHandler drives the apporteur KYC dossier: terms
// acceptance, identity documents, submission and staff review.
type OnboardingHandler struct {
	db    database.Service
	store storage.Store
}

func NewOnboardingHandler(db database.Service, store storage.Store) *OnboardingHandler {
	return &OnboardingHandler{db: db, store: store}
}

const onboardingCols = `d.id, d.user_id, d.statut, d.cni_recto, d.cni_verso, d.signature,
	d.contrat_pdf, d.terms_accepted, d.terms_accepted_at, d.terms_version,
	d.terms_ip, d.terms_user_agent, d.motif_rejet, d.traite_par, d.created_at, d.updated_at`

func scanOnboarding(scanner interface{ Scan(...interface{}) error }, o *models.Onboarding) error {
	return scanner.Scan(
		&o.ID, &o.UserID, &o.Statut, &o.CNIRecto, &o.CNIVerso, &o.Signature,
		&o.ContratPDF, &o.TermsAccepted, &o.TermsAcceptedAt, &o.TermsVersion,
		&o.TermsIP, &o.TermsUserAgent, &o.MotifRejet, &o.TraitePar,
		&o.CreatedAt, &o.UpdatedAt,
	)
}

// documentColumns whitelists the upload slots of the dossier. Keys are
// the {type} path values, values the columns they land in.
var documentColumns = map[string]string{
	"cni_recto": "cni_recto",
	"cni_verso": "cni_verso",
	"signature": "signature",
	"contrat":   "contrat_pdf",
}

// loadOrCreate returns the caller's dossier, creating the row on first
// access.
func (h *OnboardingHandler) loadOrCreate(ctx context.Context, userID int64) (*models.Onboarding, error) {
	pool := h.db.GetPool()

	if _, err := pool.Exec(ctx, `
		INSERT INTO demandes_apporteur (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}

	var o models.Onboarding
	err := scanOnboarding(pool.QueryRow(ctx,
		"SELECT "+onboardingCols+" FROM demandes_apporteur d WHERE d.user_id = $1", userID), &o)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ── GetMe ──────────────────────────────────────────────────────

// GetMe handles GET /api/onboarding/me
func (h *OnboardingHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.loadOrCreate(ctx, currentUserID(r.Context()))
	if err != nil {
		log.Printf("Failed to load onboarding dossier: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le dossier")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": o})
}

// ── AcceptTerms ────────────────────────────────────────────────

// AcceptTerms handles POST /api/onboarding/terms — records acceptance
// of the current broker agreement with the caller's IP and user agent.
func (h *OnboardingHandler) AcceptTerms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID := currentUserID(r.Context())

	o, err := h.loadOrCreate(ctx, userID)
	if err != nil {
		log.Printf("Failed to load onboarding dossier: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le dossier")
		return
	}
	if o.Statut == models.OnboardingValidated {
		JSONError(w, http.StatusConflict, "Dossier déjà validé")
		return
	}

	pool := h.db.GetPool()
	err = scanOnboarding(pool.QueryRow(ctx, `
		UPDATE demandes_apporteur AS d SET terms_accepted = TRUE, terms_accepted_at = NOW(),
			terms_version = $1, terms_ip = $2, terms_user_agent = $3, updated_at = NOW()
		WHERE d.user_id = $4
		RETURNING `+onboardingCols,
		models.TermsVersion, clientIP(r), r.UserAgent(), userID), o)
	if err != nil {
		log.Printf("Failed to record terms acceptance for user %d: %v", userID, err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer l'acceptation")
		return
	}

	go logActivity(pool, ctxkeys.CurrentUserID(r.Context()), "accepted_terms", "demande_apporteur",
		strconv.FormatInt(o.ID, 10), map[string]interface{}{"version": models.TermsVersion})

	JSON(w, http.StatusOK, map[string]interface{}{"data": o})
}

// ── UploadDocument ─────────────────────────────────────────────

// UploadDocument handles POST /api/onboarding/documents/{type} with
// type one of cni_recto, cni_verso, signature, contrat. Re-uploads are
// allowed until the dossier is submitted.
func (h *OnboardingHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	docType := chi.URLParam(r, "type")
	column, ok := documentColumns[docType]
	if !ok {
		JSONError(w, http.StatusBadRequest, "Type de document inconnu")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	userID := currentUserID(r.Context())

	o, err := h.loadOrCreate(ctx, userID)
	if err != nil {
		log.Printf("Failed to load onboarding dossier: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le dossier")
		return
	}
	switch o.Statut {
	case models.OnboardingSubmitted:
		JSONError(w, http.StatusConflict, "Dossier en cours de traitement, modification impossible")
		return
	case models.OnboardingValidated:
		JSONError(w, http.StatusConflict, "Dossier déjà validé")
		return
	}

	file, filename, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	info, err := h.store.Save(ctx, storage.NewKey("onboarding", filename), file, contentType)
	if err != nil {
		log.Printf("Failed to store onboarding document: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le fichier")
		return
	}

	pool := h.db.GetPool()
	err = scanOnboarding(pool.QueryRow(ctx, `
		UPDATE demandes_apporteur AS d SET `+column+` = $1, updated_at = NOW()
		WHERE d.user_id = $2
		RETURNING `+onboardingCols, info.URL, userID), o)
	if err != nil {
		log.Printf("Failed to attach %s for user %d: %v", docType, userID, err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le fichier")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": o})
}

// ── Submit ─────────────────────────────────────────────────────

// Submit handles POST /api/onboarding/submit — hands the dossier to
// staff once every required piece is in.
func (h *OnboardingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID := currentUserID(r.Context())

	o, err := h.loadOrCreate(ctx, userID)
	if err != nil {
		log.Printf("Failed to load onboarding dossier: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le dossier")
		return
	}

	switch o.Statut {
	case models.OnboardingSubmitted:
		JSONError(w, http.StatusConflict, "Dossier déjà soumis")
		return
	case models.OnboardingValidated:
		JSONError(w, http.StatusConflict, "Dossier déjà validé")
		return
	}

	if !o.Complete() {
		missing := []string{}
		if !o.TermsAccepted {
			missing = append(missing, "acceptation des conditions")
		}
		if o.CNIRecto == "" {
			missing = append(missing, "CNI recto")
		}
		if o.CNIVerso == "" {
			missing = append(missing, "CNI verso")
		}
		if o.Signature == "" {
			missing = append(missing, "signature")
		}
		JSONError(w, http.StatusUnprocessableEntity,
			"Dossier incomplet: "+strings.Join(missing, ", "))
		return
	}

	pool := h.db.GetPool()
	err = scanOnboarding(pool.QueryRow(ctx, `
		UPDATE demandes_apporteur AS d SET statut = $1, motif_rejet = '', updated_at = NOW()
		WHERE d.user_id = $2
		RETURNING `+onboardingCols, models.OnboardingSubmitted, userID), o)
	if err != nil {
		log.Printf("Failed to submit dossier for user %d: %v", userID, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de soumettre le dossier")
		return
	}

	go logActivity(pool, ctxkeys.CurrentUserID(r.Context()), "submitted", "demande_apporteur",
		strconv.FormatInt(o.ID, 10), nil)

	JSON(w, http.StatusOK, map[string]interface{}{"data": o})
}

// ── Staff review ───────────────────────────────────────────────

// List handles GET /api/admin/onboarding — dossiers by status,
// defaulting to the review queue.
func (h *OnboardingHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	statut := strings.ToUpper(r.URL.Query().Get("statut"))
	if statut == "" {
		statut = models.OnboardingSubmitted
	}

	pool := h.db.GetPool()
	rows, err := pool.Query(ctx, `
		SELECT `+onboardingCols+`, u.prenom, u.nom, u.email, u.telephone
		FROM demandes_apporteur d
		JOIN users u ON u.id = d.user_id
		WHERE d.statut = $1
		ORDER BY d.updated_at ASC
	`, statut)
	if err != nil {
		log.Printf("Error querying onboarding dossiers: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les dossiers")
		return
	}
	defer rows.Close()

	dossiers := []models.OnboardingWithUser{}
	for rows.Next() {
		var d models.OnboardingWithUser
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.Statut, &d.CNIRecto, &d.CNIVerso, &d.Signature,
			&d.ContratPDF, &d.TermsAccepted, &d.TermsAcceptedAt, &d.TermsVersion,
			&d.TermsIP, &d.TermsUserAgent, &d.MotifRejet, &d.TraitePar,
			&d.CreatedAt, &d.UpdatedAt,
			&d.Prenom, &d.Nom, &d.Email, &d.Telephone,
		); err != nil {
			log.Printf("Error scanning dossier: %v", err)
			continue
		}
		dossiers = append(dossiers, d)
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": dossiers})
}

// Validate handles POST /api/admin/onboarding/{id}/validate
func (h *OnboardingHandler) Validate(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, models.OnboardingValidated, "")
}

// Reject handles POST /api/admin/onboarding/{id}/reject
func (h *OnboardingHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req models.RejectOnboardingRequest
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

	h.review(w, r, models.OnboardingRejected, strings.TrimSpace(req.Motif))
}

// review applies a staff decision to a submitted dossier.
func (h *OnboardingHandler) review(w http.ResponseWriter, r *http.Request, decision, motif string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()
	staffID := currentUserID(r.Context())

	var o models.Onboarding
	err = scanOnboarding(pool.QueryRow(ctx, `
		UPDATE demandes_apporteur AS d SET statut = $1, motif_rejet = $2, traite_par = $3, updated_at = NOW()
		WHERE d.id = $4 AND d.statut = $5
		RETURNING `+onboardingCols,
		decision, motif, staffID, id, models.OnboardingSubmitted), &o)
	if err != nil {
		// Either the dossier does not exist or it is not in the
		// review queue; tell those apart for the caller.
		var statut string
		if lookupErr := pool.QueryRow(ctx,
			"SELECT statut FROM demandes_apporteur WHERE id = $1", id).Scan(&statut); lookupErr != nil {
			JSONError(w, http.StatusNotFound, "Dossier introuvable")
			return
		}
		JSONError(w, http.StatusConflict, "Seul un dossier soumis peut être traité")
		return
	}

	action := "validated"
	if decision == models.OnboardingRejected {
		action = "rejected"
	}
	go logActivity(pool, ctxkeys.CurrentUserID(r.Context()), action, "demande_apporteur",
		strconv.FormatInt(o.ID, 10), map[string]interface{}{"motif": motif})

	JSON(w, http.StatusOK, map[string]interface{}{"data": o})
}

// clientIP extracts the caller's address, preferring the first
// X-Forwarded-For hop set by the reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
