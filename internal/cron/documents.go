package cron

import (
	"context"
	"log"
	"time"

	"brokerage-backend/internal/askia"
	"brokerage-backend/internal/database"
)

// StartDocumentWorker launches a background goroutine that retries the
// attestation and brown-card links of PENDING_DOCS contracts every six
// hours. The insurer generates these asynchronously, sometimes minutes
// after issuance, sometimes days.
func StartDocumentWorker(db database.Service, insurer *askia.Client) {
	go func() {
		documentCycle(db, insurer)

		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			documentCycle(db, insurer)
		}
	}()

	log.Println("[cron] document recovery worker started – runs every 6 h")
}

func documentCycle(db database.Service, insurer *askia.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool := db.GetPool()

	rows, err := pool.Query(ctx, `
		SELECT id, numero_facture, lien_attestation, lien_carte_brune
		FROM contrats
		WHERE statut = 'PENDING_DOCS'
		  AND numero_facture IS NOT NULL AND numero_facture <> ''
		ORDER BY created_at ASC
		LIMIT 50
	`)
	if err != nil {
		log.Printf("[cron] error querying pending contracts: %v", err)
		return
	}

	type pending struct {
		ID          int64
		Facture     string
		Attestation string
		CarteBrune  string
	}
	var contracts []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.ID, &p.Facture, &p.Attestation, &p.CarteBrune); err != nil {
			log.Printf("[cron] scan error: %v", err)
			continue
		}
		contracts = append(contracts, p)
	}
	rows.Close()

	if len(contracts) == 0 {
		return
	}

	completed := 0
	for _, p := range contracts {
		docs, err := insurer.InvoiceDocuments(ctx, p.Facture)
		if err != nil {
			log.Printf("[cron] documents still unavailable for contract %d: %v", p.ID, err)
			continue
		}

		attestation := p.Attestation
		if docs.Attestation != "" {
			attestation = docs.Attestation
		}
		carteBrune := p.CarteBrune
		if docs.BrownCard != "" {
			carteBrune = docs.BrownCard
		}
		if attestation == p.Attestation && carteBrune == p.CarteBrune {
			continue
		}

		statut := "PENDING_DOCS"
		if attestation != "" && carteBrune != "" {
			statut = "EMIS"
			completed++
		}

		if _, err := pool.Exec(ctx, `
			UPDATE contrats SET lien_attestation = $1, lien_carte_brune = $2,
				statut = $3, updated_at = NOW()
			WHERE id = $4
		`, attestation, carteBrune, statut, p.ID); err != nil {
			log.Printf("[cron] error updating contract %d: %v", p.ID, err)
		}
	}

	log.Printf("[cron] document recovery: %d checked, %d completed", len(contracts), completed)
}
