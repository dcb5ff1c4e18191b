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
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"brokerage-backend/internal/askia"
	"brokerage-backend/internal/commission"
	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
	"brokerage-backend/internal/plate"
	"brokerage-backend/internal/settlement"
)

// ContractHandler drives the full policy lifecycle: simulation,
// issuance, renewal, cancellation and document refresh.
type ContractHandler struct {
	db       database.Service
	insurer  *askia.Client
	schedule commission.Schedule
}

// NewContractHandler creates a ContractHandler using the given insurer client.
func NewContractHandler(db database.Service, insurer *askia.Client) *ContractHandler {
	return &ContractHandler{
		db:       db,
		insurer:  insurer,
		schedule: commission.DefaultSchedule(),
	}
}

const contractCols = `ct.id, ct.client_id, ct.vehicule_id, ct.apporteur_id, ct.statut,
	to_char(ct.date_effet, 'YYYY-MM-DD'), ct.duree_mois, to_char(ct.date_echeance, 'YYYY-MM-DD'),
	ct.prime_nette, ct.accessoires, ct.fga, ct.taxes, ct.prime_ttc,
	ct.commission_askia, ct.commission_apporteur, ct.marge_compagnie, ct.net_a_reverser,
	ct.numero_police, ct.numero_facture, ct.id_saisie, ct.lien_attestation,
	ct.lien_carte_brune, ct.raison_annulation, ct.created_at, ct.updated_at`

const contractRetCols = `id, client_id, vehicule_id, apporteur_id, statut,
	to_char(date_effet, 'YYYY-MM-DD'), duree_mois, to_char(date_echeance, 'YYYY-MM-DD'),
	prime_nette, accessoires, fga, taxes, prime_ttc,
	commission_askia, commission_apporteur, marge_compagnie, net_a_reverser,
	numero_police, numero_facture, id_saisie, lien_attestation,
	lien_carte_brune, raison_annulation, created_at, updated_at`

func scanContract(scanner interface{ Scan(...interface{}) error }, c *models.Contract) error {
	return scanner.Scan(
		&c.ID, &c.ClientID, &c.VehiculeID, &c.ApporteurID, &c.Statut,
		&c.DateEffet, &c.DureeMois, &c.DateEcheance,
		&c.PrimeNette, &c.Accessoires, &c.FGA, &c.Taxes, &c.PrimeTTC,
		&c.CommissionAskia, &c.CommissionApporteur, &c.MargeCompagnie, &c.NetAReverser,
		&c.NumeroPolice, &c.NumeroFacture, &c.IDSaisie, &c.LienAttestation,
		&c.LienCarteBrune, &c.RaisonAnnulation, &c.CreatedAt, &c.UpdatedAt,
	)
}

// answerInsurerError maps insurer client failures onto HTTP answers.
// Business refusals keep the insurer's message; everything low-level
// was already logged (masked) by the client and becomes one generic
// message.
func answerInsurerError(w http.ResponseWriter, err error) {
	var validation *askia.ValidationError
	var business *askia.BusinessError
	var issuance *askia.IssuanceError
	var invalidPlate *plate.InvalidError

	switch {
	case errors.As(err, &invalidPlate):
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "Validation échouée",
			"details": map[string]string{"immatriculation": err.Error()},
		})
	case errors.As(err, &validation):
		JSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &business):
		if business.ContractInForce {
			JSONError(w, http.StatusConflict, business.Message)
			return
		}
		JSONError(w, http.StatusUnprocessableEntity, business.Message)
	case errors.As(err, &issuance):
		JSONError(w, http.StatusBadGateway, issuance.Message)
	default:
		JSONError(w, http.StatusBadGateway, "Le service de l'assureur est indisponible. Réessayez plus tard.")
	}
}

// ── Simulate ───────────────────────────────────────────────────

// Simulate handles POST /api/contracts/simulate — prices a risk and
// previews the commission split for the caller's grade. Nothing is
// persisted.
func (h *ContractHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req models.SimulateContractRequest
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

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	sim, err := h.insurer.Simulate(ctx, askia.SimulationParams{
		Category:       req.Categorie,
		SubCategory:    req.SousCategorie,
		Fuel:           req.Energie,
		FiscalPower:    req.PuissanceFiscale,
		Seats:          req.Places,
		DurationMonths: req.DureeMois,
		NewValue:       req.ValeurNeuve,
		MarketValue:    req.ValeurVenale,
		Recourse:       req.Recours,
		Damage:         req.Avaries,
		Theft:          req.Vol,
		Fire:           req.Incendie,
		Persons:        req.Personnes,
		Glass:          req.BrisGlace,
		ChargeUtile:    req.ChargeUtile,
	})
	if err != nil {
		answerInsurerError(w, err)
		return
	}

	role := ctxkeys.CurrentRole(r.Context())
	grade := ctxkeys.CurrentGrade(r.Context())
	split := commission.Compute(h.schedule, sim.NetPremium, sim.GrossPremium, role, grade)

	JSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"primeNette":          sim.NetPremium,
			"accessoires":         sim.Accessories,
			"fga":                 sim.GuaranteeFund,
			"taxes":               sim.Taxes,
			"primeTTC":            sim.GrossPremium,
			"commissionAskia":     split.InsurerCommission,
			"commissionApporteur": split.BrokerCommission,
			"margeCompagnie":      split.CompanyMargin,
			"netAReverser":        split.NetPayable,
		},
	})
}

// ── Issue ──────────────────────────────────────────────────────

// Create handles POST /api/contracts — the full issuance flow:
// resolve the client (creating it at the insurer when needed), upsert
// the vehicle, price, issue, store the contract and open its
// settlement, all before answering.
func (h *ContractHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.IssueContractRequest
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

	canonical, err := plate.Normalize(req.Vehicule.Immatriculation)
	if err != nil {
		answerInsurerError(w, err)
		return
	}
	compact, _ := plate.Compact(canonical)

	// Issuance is the slow path: simulation + create + possible
	// recovery probes all happen inside this request.
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	pool := h.db.GetPool()
	userID := currentUserID(r.Context())
	role := ctxkeys.CurrentRole(r.Context())
	grade := ctxkeys.CurrentGrade(r.Context())

	// A vehicle with an in-force contract cannot be insured twice.
	var inForce int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM contrats ct
		JOIN vehicules v ON v.id = ct.vehicule_id
		WHERE v.immat_compacte = $1
		  AND ct.statut IN ('EMIS', 'ACTIF', 'PENDING_DOCS')
		  AND ct.date_echeance >= CURRENT_DATE
	`, compact).Scan(&inForce)
	if err != nil {
		log.Printf("Failed to check in-force contracts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'émettre le contrat")
		return
	}
	if inForce > 0 {
		JSONError(w, http.StatusConflict, "Un contrat en cours existe déjà pour ce véhicule")
		return
	}

	client, err := h.resolveClient(ctx, w, r, &req)
	if err != nil {
		return
	}

	vehicleID, err := h.upsertVehicle(ctx, w, client.ID, canonical, compact, &req.Vehicule)
	if err != nil {
		return
	}

	// The insurer needs its own client code before any issuance.
	if client.AskiaCode == "" {
		code, err := h.insurer.CreateClient(ctx, askia.ClientParams{
			LastName:  client.Nom,
			FirstName: client.Prenom,
			Phone:     client.Telephone,
			IDNumber:  client.NumeroPiece,
			Email:     client.Email,
			Address:   client.Adresse,
			BirthDate: frenchDate(client.DateNaissance),
		})
		if err != nil {
			answerInsurerError(w, err)
			return
		}
		if _, err := pool.Exec(ctx,
			"UPDATE clients SET askia_code = $1, updated_at = NOW() WHERE id = $2",
			code, client.ID); err != nil {
			log.Printf("Failed to store askia code for client %d: %v", client.ID, err)
		}
		client.AskiaCode = code
	}

	sim, err := h.insurer.Simulate(ctx, askia.SimulationParams{
		Category:       req.Vehicule.Categorie,
		SubCategory:    req.Vehicule.SousCategorie,
		Fuel:           req.Vehicule.Energie,
		FiscalPower:    req.Vehicule.PuissanceFiscale,
		Seats:          req.Vehicule.Places,
		DurationMonths: req.DureeMois,
		NewValue:       req.Vehicule.ValeurNeuve,
		MarketValue:    req.Vehicule.ValeurVenale,
		Recourse:       req.Recours,
		Damage:         req.Avaries,
		Theft:          req.Vol,
		Fire:           req.Incendie,
		Persons:        req.Personnes,
		Glass:          req.BrisGlace,
		ChargeUtile:    req.Vehicule.ChargeUtile,
	})
	if err != nil {
		answerInsurerError(w, err)
		return
	}

	issue, err := h.insurer.IssueContract(ctx, askia.IssueParams{
		ClientCode:     client.AskiaCode,
		Category:       req.Vehicule.Categorie,
		SubCategory:    req.Vehicule.SousCategorie,
		BodyCode:       req.Vehicule.Carrosserie,
		Fuel:           req.Vehicule.Energie,
		FiscalPower:    req.Vehicule.PuissanceFiscale,
		Seats:          req.Vehicule.Places,
		DurationMonths: req.DureeMois,
		EffectiveDate:  req.DateEffet,
		Plate:          canonical,
		MakeCode:       req.Vehicule.MarqueCode,
		Model:          req.Vehicule.Modele,
		NewValue:       req.Vehicule.ValeurNeuve,
		MarketValue:    req.Vehicule.ValeurVenale,
		Recourse:       req.Recours,
		Theft:          req.Vol,
		Fire:           req.Incendie,
		Persons:        req.Personnes,
		Glass:          req.BrisGlace,
		ChargeUtile:    req.Vehicule.ChargeUtile,
		CaptureID:      sim.CaptureID,
	})
	if err != nil {
		answerInsurerError(w, err)
		return
	}

	split := commission.Compute(h.schedule, sim.NetPremium, sim.GrossPremium, role, grade)

	effet, _ := time.Parse("2006-01-02", req.DateEffet)
	echeance := models.Echeance(effet, req.DureeMois)

	statut := models.ContractEmis
	if issue.AttestationURL == "" && issue.BrownCardURL == "" {
		statut = models.ContractPendingDocs
	}

	contract, err := h.insertContract(ctx, insertContractParams{
		ClientID:    client.ID,
		VehiculeID:  vehicleID,
		ApporteurID: userID,
		Statut:      statut,
		Effet:       effet,
		DureeMois:   req.DureeMois,
		Echeance:    echeance,
		Sim:         sim,
		Split:       split,
		Police:      issue.PolicyNumber,
		Facture:     issue.InvoiceNumber,
		IDSaisie:    sim.CaptureID,
		Attestation: issue.AttestationURL,
		CarteBrune:  issue.BrownCardURL,
	})
	if err != nil {
		log.Printf("Contract issued at insurer but local insert failed (police %s): %v",
			issue.PolicyNumber, err)
		JSONError(w, http.StatusInternalServerError,
			"Contrat émis chez l'assureur mais l'enregistrement local a échoué. Contactez le support.")
		return
	}

	actorID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, actorID, "issued", "contrat", strconv.FormatInt(contract.ID, 10), map[string]interface{}{
		"numeroPolice": issue.PolicyNumber,
		"primeTTC":     sim.GrossPremium.StringFixed(2),
		"recovered":    issue.Recovered,
		"wasExisting":  issue.WasExisting,
	})

	JSON(w, http.StatusCreated, map[string]interface{}{
		"data":        contract,
		"wasExisting": issue.WasExisting,
		"recovered":   issue.Recovered,
	})
}

// resolveClient loads the referenced client or creates the inline one.
// Writes the HTTP answer itself on failure.
func (h *ContractHandler) resolveClient(ctx context.Context, w http.ResponseWriter, r *http.Request, req *models.IssueContractRequest) (*models.Client, error) {
	pool := h.db.GetPool()

	if req.ClientID != 0 {
		if !checkClientAccess(ctx, pool, req.ClientID) {
			JSONError(w, http.StatusNotFound, "Client introuvable")
			return nil, errors.New("client not accessible")
		}
		var client models.Client
		err := scanClient(pool.QueryRow(ctx,
			"SELECT "+clientCols+" FROM clients WHERE id = $1", req.ClientID), &client)
		if err != nil {
			JSONError(w, http.StatusNotFound, "Client introuvable")
			return nil, err
		}
		return &client, nil
	}

	var client models.Client
	row := pool.QueryRow(ctx, `
		INSERT INTO clients (prenom, nom, telephone, email, adresse, numero_piece, date_naissance, apporteur_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+clientCols+`
	`, req.Client.Prenom, req.Client.Nom, req.Client.Telephone, req.Client.Email,
		req.Client.Adresse, req.Client.NumeroPiece, req.Client.DateNaissance,
		currentUserID(r.Context()))
	if err := scanClient(row, &client); err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Un client avec ce numéro de pièce existe déjà")
			return nil, err
		}
		log.Printf("Failed to create client during issuance: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de créer le client")
		return nil, err
	}
	return &client, nil
}

// upsertVehicle finds or creates the vehicle by its compact plate and
// refreshes its specs. Writes the HTTP answer itself on failure.
func (h *ContractHandler) upsertVehicle(ctx context.Context, w http.ResponseWriter, clientID int64, canonical, compact string, v *models.VehicleRequest) (int64, error) {
	pool := h.db.GetPool()

	var id, ownerID int64
	err := pool.QueryRow(ctx,
		"SELECT id, client_id FROM vehicules WHERE immat_compacte = $1", compact).Scan(&id, &ownerID)
	switch {
	case err == nil:
		if ownerID != clientID {
			JSONError(w, http.StatusConflict, "Ce véhicule est rattaché à un autre client")
			return 0, errors.New("vehicle owned by another client")
		}
		_, err = pool.Exec(ctx, `
			UPDATE vehicules SET categorie = $1, sous_categorie = $2, carrosserie = $3,
				marque_code = $4, modele = $5, energie = $6, puissance_fiscale = $7,
				places = $8, valeur_neuve = $9, valeur_venale = $10, charge_utile = $11,
				updated_at = NOW()
			WHERE id = $12
		`, v.Categorie, orEmpty(v.SousCategorie, "000"), orEmpty(v.Carrosserie, "07"),
			v.MarqueCode, v.Modele, v.Energie, v.PuissanceFiscale, v.Places,
			v.ValeurNeuve, v.ValeurVenale, v.ChargeUtile, id)
		if err != nil {
			log.Printf("Failed to refresh vehicle %d: %v", id, err)
			JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le véhicule")
			return 0, err
		}
		return id, nil

	case errors.Is(err, pgx.ErrNoRows):
		err = pool.QueryRow(ctx, `
			INSERT INTO vehicules (client_id, immatriculation, immat_compacte, categorie, sous_categorie,
				carrosserie, marque_code, modele, energie, puissance_fiscale, places,
				valeur_neuve, valeur_venale, charge_utile)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id
		`, clientID, canonical, compact, v.Categorie, orEmpty(v.SousCategorie, "000"),
			orEmpty(v.Carrosserie, "07"), v.MarqueCode, v.Modele, v.Energie,
			v.PuissanceFiscale, v.Places, v.ValeurNeuve, v.ValeurVenale, v.ChargeUtile).Scan(&id)
		if err != nil {
			log.Printf("Failed to create vehicle: %v", err)
			JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le véhicule")
			return 0, err
		}
		return id, nil

	default:
		log.Printf("Failed to look up vehicle: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le véhicule")
		return 0, err
	}
}

type insertContractParams struct {
	ClientID    int64
	VehiculeID  int64
	ApporteurID int64
	Statut      string
	Effet       time.Time
	DureeMois   int
	Echeance    time.Time
	Sim         *askia.Simulation
	Split       commission.Breakdown
	Police      string
	Facture     string
	IDSaisie    string
	Attestation string
	CarteBrune  string
}

// insertContract stores the contract row and opens its settlement in
// one transaction. The settlement amount is the net payable: gross
// premium minus the broker's commission.
func (h *ContractHandler) insertContract(ctx context.Context, p insertContractParams) (*models.Contract, error) {
	pool := h.db.GetPool()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var contract models.Contract
	err = scanContract(tx.QueryRow(ctx, `
		INSERT INTO contrats (client_id, vehicule_id, apporteur_id, statut,
			date_effet, duree_mois, date_echeance,
			prime_nette, accessoires, fga, taxes, prime_ttc,
			commission_askia, commission_apporteur, marge_compagnie, net_a_reverser,
			numero_police, numero_facture, id_saisie, lien_attestation, lien_carte_brune)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21)
		RETURNING `+contractRetCols+`
	`, p.ClientID, p.VehiculeID, p.ApporteurID, p.Statut,
		p.Effet, p.DureeMois, p.Echeance,
		p.Sim.NetPremium, p.Sim.Accessories, p.Sim.GuaranteeFund, p.Sim.Taxes, p.Sim.GrossPremium,
		p.Split.InsurerCommission, p.Split.BrokerCommission, p.Split.CompanyMargin, p.Split.NetPayable,
		nilIfEmpty(p.Police), nilIfEmpty(p.Facture), p.IDSaisie, p.Attestation, p.CarteBrune,
	), &contract)
	if err != nil {
		return nil, err
	}

	amount, _ := settlement.SyncAmount(decimal.Zero, p.Split.NetPayable, true)
	var settlementID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO encaissements (contrat_id, montant_a_payer, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`, contract.ID, amount, settlement.StatusPending).Scan(&settlementID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO historique_encaissements (encaissement_id, action, effectue_par, details)
		VALUES ($1, $2, $3, $4)
	`, settlementID, settlement.ActionCreation, p.ApporteurID,
		fmt.Sprintf("Montant à payer: %s", amount.StringFixed(2)))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &contract, nil
}

// ── List ───────────────────────────────────────────────────────

// List handles GET /api/contracts
func (h *ContractHandler) List(w http.ResponseWriter, r *http.Request) {
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

	if statut := q.Get("statut"); statut != "" {
		where += fmt.Sprintf(" AND ct.statut = $%d", argIdx)
		args = append(args, strings.ToUpper(statut))
		argIdx++
	}
	if search := q.Get("search"); search != "" {
		where += fmt.Sprintf(` AND (ct.numero_police ILIKE $%d OR cl.nom ILIKE $%d
			OR cl.prenom ILIKE $%d OR v.immatriculation ILIKE $%d)`,
			argIdx, argIdx, argIdx, argIdx)
		args = append(args, "%"+search+"%")
		argIdx++
	}

	joins := `FROM contrats ct
		JOIN clients cl ON cl.id = ct.client_id
		JOIN vehicules v ON v.id = ct.vehicule_id
		JOIN users u ON u.id = ct.apporteur_id`

	var total int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) "+joins+" "+where, args...).Scan(&total); err != nil {
		log.Printf("Error counting contracts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les contrats")
		return
	}

	args = append(args, limit, offset)
	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, cl.prenom, cl.nom, cl.telephone, v.immatriculation, u.prenom, u.nom
		%s %s
		ORDER BY ct.created_at DESC
		LIMIT $%d OFFSET $%d
	`, contractCols, joins, where, argIdx, argIdx+1), args...)
	if err != nil {
		log.Printf("Error querying contracts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les contrats")
		return
	}
	defer rows.Close()

	contracts := []models.ContractWithDetails{}
	for rows.Next() {
		var c models.ContractWithDetails
		if err := rows.Scan(
			&c.ID, &c.ClientID, &c.VehiculeID, &c.ApporteurID, &c.Statut,
			&c.DateEffet, &c.DureeMois, &c.DateEcheance,
			&c.PrimeNette, &c.Accessoires, &c.FGA, &c.Taxes, &c.PrimeTTC,
			&c.CommissionAskia, &c.CommissionApporteur, &c.MargeCompagnie, &c.NetAReverser,
			&c.NumeroPolice, &c.NumeroFacture, &c.IDSaisie, &c.LienAttestation,
			&c.LienCarteBrune, &c.RaisonAnnulation, &c.CreatedAt, &c.UpdatedAt,
			&c.ClientPrenom, &c.ClientNom, &c.ClientTelephone, &c.Immatriculation,
			&c.ApporteurPrenom, &c.ApporteurNom,
		); err != nil {
			log.Printf("Error scanning contract: %v", err)
			continue
		}
		contracts = append(contracts, c)
	}

	JSON(w, http.StatusOK, PaginatedResponse{
		Data: contracts,
		Pagination: PaginationMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

// ── GetByID ────────────────────────────────────────────────────

// GetByID handles GET /api/contracts/{id} — contract, client, vehicle
// and settlement in one payload.
func (h *ContractHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkContractAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	var contract models.Contract
	err = scanContract(pool.QueryRow(ctx,
		"SELECT "+contractCols+" FROM contrats ct WHERE ct.id = $1", id), &contract)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	var client models.Client
	if err := scanClient(pool.QueryRow(ctx,
		"SELECT "+clientCols+" FROM clients WHERE id = $1", contract.ClientID), &client); err != nil {
		log.Printf("Error fetching client %d: %v", contract.ClientID, err)
	}

	var vehicle models.Vehicle
	if err := scanVehicle(pool.QueryRow(ctx,
		"SELECT "+vehicleCols+" FROM vehicules WHERE id = $1", contract.VehiculeID), &vehicle); err != nil {
		log.Printf("Error fetching vehicle %d: %v", contract.VehiculeID, err)
	}

	var stl *models.Settlement
	var s models.Settlement
	err = scanSettlement(pool.QueryRow(ctx,
		"SELECT "+settlementCols+" FROM encaissements e WHERE e.contrat_id = $1", id), &s)
	if err == nil {
		stl = &s
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"contrat":      contract,
			"client":       client,
			"vehicule":     vehicle,
			"encaissement": stl,
		},
	})
}

// ── Renew ──────────────────────────────────────────────────────

// Renew handles POST /api/contracts/{id}/renew. The old contract is
// marked EXPIRE and a fresh one is issued with re-priced figures.
func (h *ContractHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.RenewContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
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

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	pool := h.db.GetPool()

	if !checkContractAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	var old models.Contract
	err = scanContract(pool.QueryRow(ctx,
		"SELECT "+contractCols+" FROM contrats ct WHERE ct.id = $1", id), &old)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	switch old.Statut {
	case models.ContractEmis, models.ContractActif, models.ContractExpire:
		// renewable
	default:
		JSONError(w, http.StatusConflict, "Seul un contrat émis, actif ou expiré peut être renouvelé")
		return
	}
	if old.NumeroPolice == nil || *old.NumeroPolice == "" {
		JSONError(w, http.StatusConflict, "Contrat sans numéro de police, renouvellement impossible")
		return
	}

	var client models.Client
	if err := scanClient(pool.QueryRow(ctx,
		"SELECT "+clientCols+" FROM clients WHERE id = $1", old.ClientID), &client); err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible de renouveler le contrat")
		return
	}

	var vehicle models.Vehicle
	if err := scanVehicle(pool.QueryRow(ctx,
		"SELECT "+vehicleCols+" FROM vehicules WHERE id = $1", old.VehiculeID), &vehicle); err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible de renouveler le contrat")
		return
	}

	dureeMois := req.DureeMois
	if dureeMois == 0 {
		dureeMois = old.DureeMois
	}
	effetStr := req.DateEffet
	if effetStr == "" {
		oldEcheance, _ := time.Parse("2006-01-02", old.DateEcheance)
		effetStr = oldEcheance.AddDate(0, 0, 1).Format("2006-01-02")
	}

	renewal, err := h.insurer.Renew(ctx, askia.RenewParams{
		ClientCode:     client.AskiaCode,
		PolicyNumber:   *old.NumeroPolice,
		DurationMonths: dureeMois,
		EffectiveDate:  effetStr,
		NewValue:       vehicle.ValeurNeuve,
		MarketValue:    vehicle.ValeurVenale,
	})
	if err != nil {
		answerInsurerError(w, err)
		return
	}

	role := ctxkeys.CurrentRole(r.Context())
	grade := ctxkeys.CurrentGrade(r.Context())
	split := commission.Compute(h.schedule, renewal.NetPremium, renewal.GrossPremium, role, grade)

	effet, _ := time.Parse("2006-01-02", effetStr)
	echeance := models.Echeance(effet, dureeMois)

	statut := models.ContractEmis
	if renewal.AttestationURL == "" && renewal.BrownCardURL == "" {
		statut = models.ContractPendingDocs
	}

	// Expire the old row, then store the new contract + settlement.
	if _, err := pool.Exec(ctx, `
		UPDATE contrats SET statut = $1, updated_at = NOW()
		WHERE id = $2 AND statut <> $1
	`, models.ContractExpire, old.ID); err != nil {
		log.Printf("Failed to expire contract %d after renewal: %v", old.ID, err)
	}

	renewSim := &askia.Simulation{
		NetPremium:    renewal.NetPremium,
		Accessories:   renewal.Accessories,
		GuaranteeFund: renewal.GuaranteeFund,
		Taxes:         renewal.Taxes,
		GrossPremium:  renewal.GrossPremium,
	}
	contract, err := h.insertContract(ctx, insertContractParams{
		ClientID:    old.ClientID,
		VehiculeID:  old.VehiculeID,
		ApporteurID: old.ApporteurID,
		Statut:      statut,
		Effet:       effet,
		DureeMois:   dureeMois,
		Echeance:    echeance,
		Sim:         renewSim,
		Split:       split,
		Police:      renewal.PolicyNumber,
		Facture:     renewal.InvoiceNumber,
		Attestation: renewal.AttestationURL,
		CarteBrune:  renewal.BrownCardURL,
	})
	if err != nil {
		log.Printf("Renewal issued at insurer but local insert failed (police %s): %v",
			renewal.PolicyNumber, err)
		JSONError(w, http.StatusInternalServerError,
			"Renouvellement émis chez l'assureur mais l'enregistrement local a échoué. Contactez le support.")
		return
	}

	actorID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, actorID, "renewed", "contrat", strconv.FormatInt(contract.ID, 10), map[string]interface{}{
		"ancienContrat": old.ID,
		"numeroPolice":  renewal.PolicyNumber,
	})

	JSON(w, http.StatusCreated, map[string]interface{}{"data": contract})
}

// ── Cancel ─────────────────────────────────────────────────────

// Cancel handles POST /api/contracts/{id}/cancel. The insurer call
// decides the terminal status: confirmed → ANNULE with document links
// cleared, unreachable or refused → ANNULE_LOCAL with links kept. The
// pending settlement is cancelled alongside; a paid one stays paid.
func (h *ContractHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	var req models.CancelContractRequest
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

	ctx, cancel := context.WithTimeout(r.Context(), 45*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	var contract models.Contract
	err = scanContract(pool.QueryRow(ctx,
		"SELECT "+contractCols+" FROM contrats ct WHERE ct.id = $1", id), &contract)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	switch contract.Statut {
	case models.ContractAnnule, models.ContractAnnuleLocal:
		JSONError(w, http.StatusConflict, "Contrat déjà annulé")
		return
	case models.ContractExpire:
		JSONError(w, http.StatusConflict, "Un contrat expiré ne peut pas être annulé")
		return
	}

	// Ask the insurer to void the attestation when we have an invoice
	// to void. Refusal or unreachability downgrades to a local-only
	// cancellation instead of blocking.
	newStatut := models.ContractAnnuleLocal
	if contract.NumeroFacture != nil && *contract.NumeroFacture != "" {
		if err := h.insurer.CancelAttestation(ctx, *contract.NumeroFacture); err != nil {
			log.Printf("Insurer-side cancellation failed for contract %d, falling back to local: %v", id, err)
		} else {
			newStatut = models.ContractAnnule
		}
	}

	raison := req.Raison
	if len(raison) > 255 {
		raison = raison[:255]
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible d'annuler le contrat")
		return
	}
	defer tx.Rollback(ctx)

	query := `UPDATE contrats SET statut = $1, raison_annulation = $2, updated_at = NOW()
		WHERE id = $3 RETURNING ` + contractRetCols
	if newStatut == models.ContractAnnule {
		query = `UPDATE contrats SET statut = $1, raison_annulation = $2,
			lien_attestation = '', lien_carte_brune = '', updated_at = NOW()
			WHERE id = $3 RETURNING ` + contractRetCols
	}
	if err := scanContract(tx.QueryRow(ctx, query, newStatut, raison, id), &contract); err != nil {
		log.Printf("Failed to cancel contract %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'annuler le contrat")
		return
	}

	if err := h.cancelSettlement(ctx, tx, id, raison, currentUserID(r.Context())); err != nil {
		log.Printf("Failed to cancel settlement for contract %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'annuler le contrat")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		JSONError(w, http.StatusInternalServerError, "Impossible d'annuler le contrat")
		return
	}

	actorID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, actorID, "cancelled", "contrat", strconv.FormatInt(id, 10), map[string]interface{}{
		"statut": newStatut,
		"raison": raison,
	})

	JSON(w, http.StatusOK, map[string]interface{}{"data": contract})
}

// cancelSettlement moves the contract's settlement to ANNULE when the
// state machine allows it. A paid settlement is left untouched: the
// money has been collected and cancelling the row would lose that fact.
func (h *ContractHandler) cancelSettlement(ctx context.Context, tx pgx.Tx, contractID int64, raison string, actorID int64) error {
	var settlementID int64
	var status string
	err := tx.QueryRow(ctx,
		"SELECT id, status FROM encaissements WHERE contrat_id = $1 FOR UPDATE",
		contractID).Scan(&settlementID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	noop, err := settlement.Transition(status, settlement.StatusCancelled)
	if err != nil {
		var te *settlement.TransitionError
		if errors.As(err, &te) && status == settlement.StatusPaid {
			log.Printf("Settlement %d already paid, kept as-is while cancelling contract %d",
				settlementID, contractID)
			return nil
		}
		return err
	}
	if noop {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE encaissements SET status = $1, updated_at = NOW() WHERE id = $2
	`, settlement.StatusCancelled, settlementID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO historique_encaissements (encaissement_id, action, effectue_par, details)
		VALUES ($1, $2, $3, $4)
	`, settlementID, settlement.ActionStatusChange, actorID,
		settlement.StatusChangeDetails(status, settlement.StatusCancelled, raison))
	return err
}

// ── Documents ──────────────────────────────────────────────────

// RefreshDocuments handles POST /api/contracts/{id}/documents/refresh.
// Re-fetches missing attestation/brown-card links; once both are
// present a PENDING_DOCS contract becomes EMIS.
func (h *ContractHandler) RefreshDocuments(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 45*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	if !checkContractAccess(ctx, pool, id) {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	var contract models.Contract
	err = scanContract(pool.QueryRow(ctx,
		"SELECT "+contractCols+" FROM contrats ct WHERE ct.id = $1", id), &contract)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Contrat introuvable")
		return
	}

	if contract.NumeroFacture == nil || *contract.NumeroFacture == "" {
		JSONError(w, http.StatusConflict, "Contrat sans numéro de facture, documents indisponibles")
		return
	}

	docs, err := h.insurer.InvoiceDocuments(ctx, *contract.NumeroFacture)
	if err != nil {
		answerInsurerError(w, err)
		return
	}

	attestation := contract.LienAttestation
	if docs.Attestation != "" {
		attestation = docs.Attestation
	}
	carteBrune := contract.LienCarteBrune
	if docs.BrownCard != "" {
		carteBrune = docs.BrownCard
	}

	statut := contract.Statut
	if statut == models.ContractPendingDocs && attestation != "" && carteBrune != "" {
		statut = models.ContractEmis
	}

	err = scanContract(pool.QueryRow(ctx, `
		UPDATE contrats SET lien_attestation = $1, lien_carte_brune = $2, statut = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING `+contractRetCols,
		attestation, carteBrune, statut, id), &contract)
	if err != nil {
		log.Printf("Failed to store refreshed documents for contract %d: %v", id, err)
		JSONError(w, http.StatusInternalServerError, "Impossible de mettre à jour les documents")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": contract})
}

// ── Export ─────────────────────────────────────────────────────

// Export handles GET /api/contracts/export — returns CSV
func (h *ContractHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	where := "WHERE 1=1"
	args := []interface{}{}
	where, args, _ = appendApporteurScope(ctx, where, args, 1, "ct.apporteur_id")

	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT COALESCE(ct.numero_police, ''), cl.prenom || ' ' || cl.nom,
			v.immatriculation, ct.statut,
			to_char(ct.date_effet, 'YYYY-MM-DD'), to_char(ct.date_echeance, 'YYYY-MM-DD'),
			ct.prime_ttc::text, ct.commission_apporteur::text, ct.net_a_reverser::text
		FROM contrats ct
		JOIN clients cl ON cl.id = ct.client_id
		JOIN vehicules v ON v.id = ct.vehicule_id
		%s
		ORDER BY ct.created_at DESC
	`, where), args...)
	if err != nil {
		log.Printf("Error exporting contracts: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'exporter")
		return
	}
	defer rows.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=contrats.csv")

	fmt.Fprintln(w, "Police,Client,Immatriculation,Statut,Effet,Echeance,Prime TTC,Commission,Net a reverser")

	for rows.Next() {
		var police, client, immat, statut, effet, echeance, prime, comm, net string
		if err := rows.Scan(&police, &client, &immat, &statut, &effet, &echeance, &prime, &comm, &net); err != nil {
			continue
		}
		fmt.Fprintf(w, "%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			csvEscape(police), csvEscape(client), csvEscape(immat), statut,
			effet, echeance, prime, comm, net)
	}
}

// frenchDate converts YYYY-MM-DD to the insurer's dd/mm/YYYY, empty in
// stays empty out.
func frenchDate(iso *string) string {
	if iso == nil || *iso == "" {
		return ""
	}
	t, err := time.Parse("2006-01-02", *iso)
	if err != nil {
		return ""
	}
	return t.Format("02/01/2006")
}
