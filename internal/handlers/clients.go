package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
	"brokerage-backend/internal/plate"
)

// ClientHandler handles policyholder and vehicle requests. Apporteurs
// only see their own clients; staff see everything.
type ClientHandler struct {
	db database.Service
}

// NewClientHandler creates a ClientHandler with the provided database service.
func NewClientHandler(db database.Service) *ClientHandler {
	return &ClientHandler{db: db}
}

const clientCols = `id, prenom, nom, telephone, email, adresse, numero_piece,
	to_char(date_naissance, 'YYYY-MM-DD'), askia_code, apporteur_id, created_at, updated_at`

func scanClient(scanner interface{ Scan(...interface{}) error }, c *models.Client) error {
	return scanner.Scan(
		&c.ID, &c.Prenom, &c.Nom, &c.Telephone, &c.Email, &c.Adresse,
		&c.NumeroPiece, &c.DateNaissance, &c.AskiaCode, &c.ApporteurID,
		&c.CreatedAt, &c.UpdatedAt,
	)
}

// ── List ───────────────────────────────────────────────────────

// List handles GET /api/clients
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
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

	where, args, argIdx = appendApporteurScope(ctx, where, args, argIdx, "apporteur_id")

	if search := q.Get("search"); search != "" {
		where += fmt.Sprintf(" AND (prenom ILIKE $%d OR nom ILIKE $%d OR telephone LIKE $%d)",
			argIdx, argIdx, argIdx)
		args = append(args, "%"+search+"%")
		argIdx++
	}

	var total int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM clients "+where, args...).Scan(&total); err != nil {
		log.Printf("Error counting clients: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les clients")
		return
	}

	args = append(args, limit, offset)
	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM clients %s
		ORDER BY nom ASC, prenom ASC
		LIMIT $%d OFFSET $%d
	`, clientCols, where, argIdx, argIdx+1), args...)
	if err != nil {
		log.Printf("Error querying clients: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les clients")
		return
	}
	defer rows.Close()

	clients := []models.Client{}
	for rows.Next() {
		var c models.Client
		if err := scanClient(rows, &c); err != nil {
			log.Printf("Error scanning client: %v", err)
			continue
		}
		clients = append(clients, c)
	}

	JSON(w, http.StatusOK, PaginatedResponse{
		Data: clients,
		Pagination: PaginationMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

// ── Create ─────────────────────────────────────────────────────

// Create handles POST /api/clients
func (h *ClientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateClientRequest
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

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()
	userID := ctxkeys.CurrentUserID(r.Context())

	var client models.Client
	row := pool.QueryRow(ctx, `
		INSERT INTO clients (prenom, nom, telephone, email, adresse, numero_piece, date_naissance, apporteur_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+clientCols+`
	`, req.Prenom, req.Nom, req.Telephone, req.Email, req.Adresse,
		req.NumeroPiece, req.DateNaissance, currentUserID(r.Context()))
	if err := scanClient(row, &client); err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Un client avec ce numéro de pièce existe déjà")
			return
		}
		log.Printf("Failed to create client: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de créer le client")
		return
	}

	go logActivity(pool, userID, "created", "client", strconv.FormatInt(client.ID, 10), map[string]interface{}{
		"nom": client.Prenom + " " + client.Nom,
	})

	JSON(w, http.StatusCreated, map[string]interface{}{"data": client})
}

// ── GetByID ────────────────────────────────────────────────────

// GetByID handles GET /api/clients/{id} — client profile plus vehicles.
func (h *ClientHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkClientAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	var client models.Client
	err = scanClient(pool.QueryRow(ctx,
		"SELECT "+clientCols+" FROM clients WHERE id = $1", id), &client)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	vehicles, err := h.listVehicles(ctx, id)
	if err != nil {
		log.Printf("Error fetching vehicles for client %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les véhicules")
		return
	}

	type ClientDetail struct {
		models.Client
		Vehicules []models.Vehicle `json:"vehicules"`
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"data": ClientDetail{Client: client, Vehicules: vehicles},
	})
}

// ── Update ─────────────────────────────────────────────────────

// Update handles PUT /api/clients/{id}
func (h *ClientHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.UpdateClientRequest
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

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkClientAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	set := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argIdx := 1

	addSet := func(col string, val interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if req.Prenom != nil {
		addSet("prenom", *req.Prenom)
	}
	if req.Nom != nil {
		addSet("nom", *req.Nom)
	}
	if req.Telephone != nil {
		addSet("telephone", *req.Telephone)
	}
	if req.Email != nil {
		addSet("email", *req.Email)
	}
	if req.Adresse != nil {
		addSet("adresse", *req.Adresse)
	}
	if req.NumeroPiece != nil {
		addSet("numero_piece", *req.NumeroPiece)
	}
	if req.DateNaissance != nil {
		addSet("date_naissance", *req.DateNaissance)
	}

	if len(set) == 1 {
		JSONError(w, http.StatusBadRequest, "Aucun champ à modifier")
		return
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE clients SET %s WHERE id = $%d RETURNING %s",
		joinSet(set), argIdx, clientCols)

	var client models.Client
	if err := scanClient(pool.QueryRow(ctx, query, args...), &client); err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Un client avec ce numéro de pièce existe déjà")
			return
		}
		log.Printf("Failed to update client %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de modifier le client")
		return
	}

	userID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, userID, "updated", "client", strconv.FormatInt(id, 10), nil)

	JSON(w, http.StatusOK, map[string]interface{}{"data": client})
}

// ── Delete ─────────────────────────────────────────────────────

// Delete handles DELETE /api/clients/{id}. Clients referenced by
// contracts cannot be removed.
func (h *ClientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkClientAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	tag, err := pool.Exec(ctx, "DELETE FROM clients WHERE id = $1", id)
	if err != nil {
		// FK restriction: the client has contracts
		JSONError(w, http.StatusConflict, "Ce client est lié à des contrats et ne peut pas être supprimé")
		return
	}
	if tag.RowsAffected() == 0 {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	userID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, userID, "deleted", "client", strconv.FormatInt(id, 10), nil)

	JSON(w, http.StatusOK, map[string]interface{}{"message": "Client supprimé"})
}

// ── Vehicles ───────────────────────────────────────────────────

const vehicleCols = `id, client_id, immatriculation, immat_compacte, categorie, sous_categorie,
	carrosserie, marque_code, modele, energie, puissance_fiscale, places,
	valeur_neuve, valeur_venale, charge_utile, created_at, updated_at`

func scanVehicle(scanner interface{ Scan(...interface{}) error }, v *models.Vehicle) error {
	return scanner.Scan(
		&v.ID, &v.ClientID, &v.Immatriculation, &v.ImmatCompacte,
		&v.Categorie, &v.SousCategorie, &v.Carrosserie, &v.MarqueCode,
		&v.Modele, &v.Energie, &v.PuissanceFiscale, &v.Places,
		&v.ValeurNeuve, &v.ValeurVenale, &v.ChargeUtile,
		&v.CreatedAt, &v.UpdatedAt,
	)
}

func (h *ClientHandler) listVehicles(ctx context.Context, clientID int64) ([]models.Vehicle, error) {
	rows, err := h.db.GetPool().Query(ctx,
		"SELECT "+vehicleCols+" FROM vehicules WHERE client_id = $1 ORDER BY created_at DESC", clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vehicles := []models.Vehicle{}
	for rows.Next() {
		var v models.Vehicle
		if err := scanVehicle(rows, &v); err != nil {
			log.Printf("Error scanning vehicle: %v", err)
			continue
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// CreateVehicle handles POST /api/clients/{id}/vehicules.
// The plate is normalized; the compact form must be unique system-wide.
func (h *ClientHandler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.VehicleRequest
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

	canonical, err := plate.Normalize(req.Immatriculation)
	if err != nil {
		var invalid *plate.InvalidError
		if errors.As(err, &invalid) {
			JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   "Validation échouée",
				"details": map[string]string{"immatriculation": "Immatriculation non reconnue: " + req.Immatriculation},
			})
			return
		}
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le véhicule")
		return
	}
	compact, _ := plate.Compact(canonical)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkClientAccess(ctx, pool, clientID) {
		JSONError(w, http.StatusNotFound, "Client introuvable")
		return
	}

	var vehicle models.Vehicle
	err = scanVehicle(pool.QueryRow(ctx, `
		INSERT INTO vehicules (client_id, immatriculation, immat_compacte, categorie, sous_categorie,
			carrosserie, marque_code, modele, energie, puissance_fiscale, places,
			valeur_neuve, valeur_venale, charge_utile)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+vehicleCols+`
	`, clientID, canonical, compact, req.Categorie, orEmpty(req.SousCategorie, "000"),
		orEmpty(req.Carrosserie, "07"), req.MarqueCode, req.Modele, req.Energie,
		req.PuissanceFiscale, req.Places, req.ValeurNeuve, req.ValeurVenale, req.ChargeUtile,
	), &vehicle)
	if err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Un véhicule avec cette immatriculation existe déjà")
			return
		}
		log.Printf("Failed to create vehicle: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le véhicule")
		return
	}

	userID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, userID, "created", "vehicule", strconv.FormatInt(vehicle.ID, 10), map[string]interface{}{
		"immatriculation": canonical,
	})

	JSON(w, http.StatusCreated, map[string]interface{}{"data": vehicle})
}

// joinSet joins SET clause fragments.
func joinSet(set []string) string {
	out := set[0]
	for _, s := range set[1:] {
		out += ", " + s
	}
	return out
}

// orEmpty returns fallback when s is empty.
func orEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
