package cron

import (
	"context"
	"log"
	"time"

	"brokerage-backend/internal/database"
)

// StartExpiryWorker launches a background goroutine that runs once per
// day (and once immediately) to mark in-force contracts past their due
// date as EXPIRE.
func StartExpiryWorker(db database.Service) {
	go func() {
		expireCycle(db)

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			expireCycle(db)
		}
	}()

	log.Println("[cron] contract expiry worker started – runs every 24 h")
}

func expireCycle(db database.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := db.GetPool()

	tag, err := pool.Exec(ctx, `
		UPDATE contrats SET statut = 'EXPIRE', updated_at = NOW()
		WHERE statut IN ('EMIS', 'ACTIF', 'PENDING_DOCS')
		  AND date_echeance < CURRENT_DATE
	`)
	if err != nil {
		log.Printf("[cron] error expiring contracts: %v", err)
		return
	}

	if n := tag.RowsAffected(); n > 0 {
		log.Printf("[cron] %d contract(s) marked EXPIRE", n)
	}
}
