package handlers

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"brokerage-backend/internal/database"
	"brokerage-backend/internal/models"
)

// ActivityHandler exposes the audit trail to administrators.
type ActivityHandler struct {
	db database.Service
}

func NewActivityHandler(db database.Service) *ActivityHandler {
	return &ActivityHandler{db: db}
}

// List handles GET /api/admin/activity
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	offset := (page - 1) * limit

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pool := h.db.GetPool()

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if entity := q.Get("entity"); entity != "" {
		where += fmt.Sprintf(" AND a.entity = $%d", argIdx)
		args = append(args, entity)
		argIdx++
	}
	if action := q.Get("action"); action != "" {
		where += fmt.Sprintf(" AND a.action = $%d", argIdx)
		args = append(args, action)
		argIdx++
	}
	if userID := q.Get("userId"); userID != "" {
		where += fmt.Sprintf(" AND a.user_id = $%d", argIdx)
		args = append(args, userID)
		argIdx++
	}

	var total int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM activity_log a "+where, args...).Scan(&total); err != nil {
		log.Printf("Error counting activity: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le journal")
		return
	}

	args = append(args, limit, offset)
	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT a.id, a.user_id, a.action, a.entity, a.entity_id, a.details, a.created_at,
			COALESCE(u.prenom || ' ' || u.nom, '')
		FROM activity_log a
		LEFT JOIN users u ON u.id::text = a.user_id
		%s
		ORDER BY a.created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, argIdx, argIdx+1), args...)
	if err != nil {
		log.Printf("Error querying activity: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible de charger le journal")
		return
	}
	defer rows.Close()

	entries := []models.ActivityEntry{}
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Entity, &e.EntityID,
			&e.Details, &e.CreatedAt, &e.UserName); err != nil {
			log.Printf("Error scanning activity entry: %v", err)
			continue
		}
		entries = append(entries, e)
	}

	JSON(w, http.StatusOK, PaginatedResponse{
		Data: entries,
		Pagination: PaginationMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}
