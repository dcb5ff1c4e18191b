package handlers

import (
	"context"
	"net/http"
	"time"

	"brokerage-backend/internal/askia"
)

// ReferentielHandler exposes the insurer's reference lists to the
// frontend forms. The askia client degrades to static fallbacks on
// provider failure, so these endpoints never error.
type ReferentielHandler struct {
	insurer *askia.Client
}

func NewReferentielHandler(insurer *askia.Client) *ReferentielHandler {
	return &ReferentielHandler{insurer: insurer}
}

// ListMakes handles GET /api/referentiels/marques
func (h *ReferentielHandler) ListMakes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	JSON(w, http.StatusOK, map[string]interface{}{"data": h.insurer.Makes(ctx)})
}

// ListCategories handles GET /api/referentiels/categories
func (h *ReferentielHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	JSON(w, http.StatusOK, map[string]interface{}{"data": h.insurer.Categories(ctx)})
}

// ListSubCategories handles GET /api/referentiels/sous-categories?categorie=520
func (h *ReferentielHandler) ListSubCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	categorie := r.URL.Query().Get("categorie")
	JSON(w, http.StatusOK, map[string]interface{}{"data": h.insurer.SubCategories(ctx, categorie)})
}

// ListBodyTypes handles GET /api/referentiels/carrosseries?sousCategorie=001
func (h *ReferentielHandler) ListBodyTypes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	sousCategorie := r.URL.Query().Get("sousCategorie")
	JSON(w, http.StatusOK, map[string]interface{}{"data": h.insurer.BodyTypes(ctx, sousCategorie)})
}
