package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
)

// UserManagementHandler provides admin-only account listing, creation,
// grade changes and activation.
type UserManagementHandler struct {
	db database.Service
}

func NewUserManagementHandler(db database.Service) *UserManagementHandler {
	return &UserManagementHandler{db: db}
}

// List returns all accounts, optionally filtered by role or grade.
func (h *UserManagementHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()
	q := r.URL.Query()

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if role := q.Get("role"); role != "" {
		where += " AND role = $" + strconv.Itoa(argIdx)
		args = append(args, strings.ToUpper(role))
		argIdx++
	}
	if grade := q.Get("grade"); grade != "" {
		where += " AND grade = $" + strconv.Itoa(argIdx)
		args = append(args, strings.ToUpper(grade))
		argIdx++
	}

	rows, err := pool.Query(ctx, `
		SELECT id, prenom, nom, email, telephone, role, grade, actif, created_at, updated_at
		FROM users `+where+` ORDER BY created_at DESC
	`, args...)
	if err != nil {
		log.Printf("Failed to list users: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger les utilisateurs")
		return
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Prenom, &u.Nom, &u.Email, &u.Telephone,
			&u.Role, &u.Grade, &u.Actif, &u.CreatedAt, &u.UpdatedAt); err != nil {
			log.Printf("Failed to scan user row: %v", err)
			continue
		}
		users = append(users, u)
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": users})
}

// Create adds an account with an explicit role and grade.
func (h *UserManagementHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
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

	grade := req.Grade
	if grade == "" {
		grade = "FREEMIUM"
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), 12)
	if err != nil {
		log.Printf("Failed to hash password: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de créer le compte")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	var user models.User
	err = pool.QueryRow(ctx, `
		INSERT INTO users (prenom, nom, email, telephone, password_hash, role, grade)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, prenom, nom, email, telephone, role, grade, actif, created_at, updated_at
	`, req.Prenom, req.Nom, strings.ToLower(req.Email), req.Telephone,
		string(hashedPassword), req.Role, grade,
	).Scan(
		&user.ID, &user.Prenom, &user.Nom, &user.Email, &user.Telephone,
		&user.Role, &user.Grade, &user.Actif, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Un compte avec cet email ou ce numéro existe déjà")
			return
		}
		log.Printf("Failed to create user: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de créer le compte")
		return
	}

	adminID := ctxkeys.CurrentUserID(r.Context())
	go logActivity(pool, adminID, "created", "user", strconv.FormatInt(user.ID, 10), map[string]interface{}{
		"email": user.Email,
		"role":  user.Role,
		"grade": user.Grade,
	})

	JSON(w, http.StatusCreated, map[string]interface{}{"data": user})
}

// Update changes identity fields, the grade, or the active flag.
// Grade changes take effect on the next issued contract, never
// retroactively.
func (h *UserManagementHandler) Update(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	adminID := ctxkeys.CurrentUserID(r.Context())

	var req models.UpdateUserRequest
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

	if targetID == adminID && req.Actif != nil && !*req.Actif {
		JSONError(w, http.StatusBadRequest, "Impossible de désactiver votre propre compte")
		return
	}

	// Build dynamic SET clause from the provided fields
	set := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argIdx := 1

	addSet := func(col string, val interface{}) {
		set = append(set, col+" = $"+strconv.Itoa(argIdx))
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
	if req.Grade != nil {
		addSet("grade", *req.Grade)
	}
	if req.Actif != nil {
		addSet("actif", *req.Actif)
	}

	if len(set) == 1 {
		JSONError(w, http.StatusBadRequest, "Aucun champ à modifier")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	args = append(args, targetID)
	var user models.User
	err := pool.QueryRow(ctx, `
		UPDATE users SET `+strings.Join(set, ", ")+`
		WHERE id = $`+strconv.Itoa(argIdx)+`
		RETURNING id, prenom, nom, email, telephone, role, grade, actif, created_at, updated_at
	`, args...).Scan(
		&user.ID, &user.Prenom, &user.Nom, &user.Email, &user.Telephone,
		&user.Role, &user.Grade, &user.Actif, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			JSONError(w, http.StatusConflict, "Ce numéro de téléphone est déjà utilisé")
			return
		}
		JSONError(w, http.StatusNotFound, "Utilisateur introuvable")
		return
	}

	go logActivity(pool, adminID, "updated", "user", targetID, map[string]interface{}{
		"email": user.Email,
		"grade": user.Grade,
		"actif": user.Actif,
	})

	JSON(w, http.StatusOK, map[string]interface{}{
		"data":    user,
		"message": "Utilisateur mis à jour",
	})
}
