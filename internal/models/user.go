package models

import (
	"regexp"
	"strings"
	"time"

	"brokerage-backend/internal/ctxkeys"
)

// Senegalese mobile/landline prefixes: 9 digits, no country code.
var phoneRe = regexp.MustCompile(`^(70|71|75|76|77|78|30|33|34)\d{7}$`)

// ValidPhone reports whether s is an accepted Senegalese phone number.
func ValidPhone(s string) bool {
	return phoneRe.MatchString(s)
}

// User represents an account in the system: an apporteur (broker) or a
// back-office staff member (COMMERCIAL, ADMIN).
type User struct {
	ID           int64     `json:"id"`
	Prenom       string    `json:"prenom"`
	Nom          string    `json:"nom"`
	Email        string    `json:"email"`
	Telephone    string    `json:"telephone"`
	PasswordHash string    `json:"-"` // Never expose in JSON responses
	Role         string    `json:"role"`  // APPORTEUR, COMMERCIAL, ADMIN
	Grade        string    `json:"grade"` // PLATINE, FREEMIUM (meaningful for APPORTEUR)
	Actif        bool      `json:"actif"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RegisterRequest contains the fields needed to create a new account.
// Public registrations always become APPORTEUR / FREEMIUM; other roles
// are created through the admin user management endpoints.
type RegisterRequest struct {
	Prenom    string `json:"prenom"`
	Nom       string `json:"nom"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
	Password  string `json:"password"`
}

// Validate checks that all required registration fields are present.
func (r *RegisterRequest) Validate() map[string]string {
	errors := map[string]string{}

	if strings.TrimSpace(r.Prenom) == "" {
		errors["prenom"] = "Le prénom est requis"
	}
	if strings.TrimSpace(r.Nom) == "" {
		errors["nom"] = "Le nom est requis"
	}
	if !strings.Contains(r.Email, "@") {
		errors["email"] = "Adresse email invalide"
	}
	if !ValidPhone(r.Telephone) {
		errors["telephone"] = "Numéro de téléphone invalide (9 chiffres, ex: 771234567)"
	}
	if len(r.Password) < 8 {
		errors["password"] = "Le mot de passe doit contenir au moins 8 caractères"
	}

	return errors
}

// LoginRequest contains the credentials for authentication.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks that login credentials are present.
func (r *LoginRequest) Validate() map[string]string {
	errors := map[string]string{}

	if r.Email == "" {
		errors["email"] = "L'email est requis"
	}
	if r.Password == "" {
		errors["password"] = "Le mot de passe est requis"
	}

	return errors
}

// AuthResponse is sent back after successful login/registration.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// CreateUserRequest is used by admins to create staff or apporteur
// accounts with an explicit role and grade.
type CreateUserRequest struct {
	Prenom    string `json:"prenom"`
	Nom       string `json:"nom"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	Grade     string `json:"grade,omitempty"`
}

// Validate checks the admin account-creation payload.
func (r *CreateUserRequest) Validate() map[string]string {
	errors := (&RegisterRequest{
		Prenom:    r.Prenom,
		Nom:       r.Nom,
		Email:     r.Email,
		Telephone: r.Telephone,
		Password:  r.Password,
	}).Validate()

	if !ctxkeys.ValidRoles[r.Role] {
		errors["role"] = "Le rôle doit être 'APPORTEUR', 'COMMERCIAL' ou 'ADMIN'"
	}
	if r.Grade != "" && r.Grade != "PLATINE" && r.Grade != "FREEMIUM" {
		errors["grade"] = "Le grade doit être 'PLATINE' ou 'FREEMIUM'"
	}

	return errors
}

// UpdateUserRequest holds the account fields an admin can change.
type UpdateUserRequest struct {
	Prenom    *string `json:"prenom,omitempty"`
	Nom       *string `json:"nom,omitempty"`
	Telephone *string `json:"telephone,omitempty"`
	Grade     *string `json:"grade,omitempty"`
	Actif     *bool   `json:"actif,omitempty"`
}

// Validate checks the fields that are present.
func (r *UpdateUserRequest) Validate() map[string]string {
	errors := map[string]string{}

	if r.Telephone != nil && !ValidPhone(*r.Telephone) {
		errors["telephone"] = "Numéro de téléphone invalide (9 chiffres, ex: 771234567)"
	}
	if r.Grade != nil && *r.Grade != "PLATINE" && *r.Grade != "FREEMIUM" {
		errors["grade"] = "Le grade doit être 'PLATINE' ou 'FREEMIUM'"
	}

	return errors
}
