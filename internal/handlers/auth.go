package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"brokerage-backend/internal/ctxkeys"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
)

// AuthHandler manages user registration, login, and profile retrieval.
type AuthHandler struct {
	db        database.Service
	jwtSecret []byte
}

// NewAuthHandler creates an AuthHandler with the given database and JWT signing key.
func NewAuthHandler(db database.Service, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		db:        db,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new apporteur account.
// Hashes the password with bcrypt and returns a JWT token on success.
// Staff accounts (COMMERCIAL, ADMIN) are created by admins via user management.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
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

	// Hash the password (cost 12 balances security and speed)
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), 12)
	if err != nil {
		log.Printf("Failed to hash password: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de créer le compte")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	// Insert user — UNIQUE constraints on email and telephone prevent duplicates
	var user models.User
	err = pool.QueryRow(ctx, `
		INSERT INTO users (prenom, nom, email, telephone, password_hash, role, grade)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, prenom, nom, email, telephone, role, grade, actif, created_at, updated_at
	`, req.Prenom, req.Nom, strings.ToLower(req.Email), req.Telephone,
		string(hashedPassword), ctxkeys.RoleApporteur, "FREEMIUM",
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

	// Generate JWT token for immediate login after registration
	token, err := h.generateToken(&user)
	if err != nil {
		log.Printf("Failed to generate token: %v", err)
		JSONError(w, http.StatusInternalServerError, "Compte créé mais la connexion a échoué")
		return
	}

	JSON(w, http.StatusCreated, models.AuthResponse{
		Token: token,
		User:  user,
	})
}

// Login authenticates a user with email + password and returns a JWT token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
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

	// Fetch user by email (including password hash for verification)
	var user models.User
	err := pool.QueryRow(ctx, `
		SELECT id, prenom, nom, email, telephone, password_hash, role, grade, actif, created_at, updated_at
		FROM users WHERE email = $1
	`, strings.ToLower(req.Email),
	).Scan(
		&user.ID, &user.Prenom, &user.Nom, &user.Email, &user.Telephone,
		&user.PasswordHash, &user.Role, &user.Grade, &user.Actif,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		// Generic message to prevent email enumeration attacks
		JSONError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect")
		return
	}

	// Compare password against stored hash
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		JSONError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect")
		return
	}

	if !user.Actif {
		JSONError(w, http.StatusForbidden, "Compte désactivé. Contactez l'administration.")
		return
	}

	token, err := h.generateToken(&user)
	if err != nil {
		log.Printf("Failed to generate token: %v", err)
		JSONError(w, http.StatusInternalServerError, "Connexion échouée")
		return
	}

	JSON(w, http.StatusOK, models.AuthResponse{
		Token: token,
		User:  user,
	})
}

// GetMe returns the profile of the currently authenticated user.
// For apporteurs, includes the onboarding status.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	var user models.User
	err := pool.QueryRow(ctx, `
		SELECT id, prenom, nom, email, telephone, role, grade, actif, created_at, updated_at
		FROM users WHERE id = $1
	`, userID,
	).Scan(
		&user.ID, &user.Prenom, &user.Nom, &user.Email, &user.Telephone,
		&user.Role, &user.Grade, &user.Actif, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		JSONError(w, http.StatusNotFound, "Utilisateur introuvable")
		return
	}

	type MeResponse struct {
		models.User
		OnboardingStatut *string `json:"onboardingStatut,omitempty"`
	}

	resp := MeResponse{User: user}

	if user.Role == ctxkeys.RoleApporteur {
		var statut string
		err := pool.QueryRow(ctx,
			`SELECT statut FROM demandes_apporteur WHERE user_id = $1`, userID).Scan(&statut)
		if err == nil {
			resp.OnboardingStatut = &statut
		}
	}

	JSON(w, http.StatusOK, resp)
}

// generateToken creates a signed JWT with user ID, role and grade as claims.
// Tokens expire after 7 days.
func (h *AuthHandler) generateToken(user *models.User) (string, error) {
	claims := jwt.MapClaims{
		"userId": strconv.FormatInt(user.ID, 10),
		"role":   user.Role,
		"grade":  user.Grade,
		"exp":    time.Now().Add(7 * 24 * time.Hour).Unix(),
		"iat":    time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// isDuplicateKeyError checks if a PostgreSQL error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
