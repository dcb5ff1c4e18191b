package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"brokerage-backend/internal/askia"
	"brokerage-backend/internal/bictorys"
	"brokerage-backend/internal/config"
	"brokerage-backend/internal/cron"
	"brokerage-backend/internal/database"
	"brokerage-backend/internal/handlers"
	"brokerage-backend/internal/middleware"
	"brokerage-backend/internal/storage"
)

func main() {
	// 1. Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Connect to PostgreSQL
	db := database.New(&cfg.DB)
	defer db.Close()

	// 3. External providers, constructed once and injected everywhere
	insurer := askia.New(askia.Config{
		BaseURL:    cfg.Askia.BaseURL,
		AppClient:  cfg.Askia.AppClient,
		PVCode:     cfg.Askia.PVCode,
		BRCode:     cfg.Askia.BRCode,
		Timeout:    cfg.Askia.Timeout,
		MaxRetries: cfg.Askia.MaxRetries,
	})
	payments := bictorys.New(bictorys.Config{
		BaseURL:         cfg.Bictorys.BaseURL,
		APIKey:          cfg.Bictorys.PublicKey,
		ReferencePrefix: cfg.Bictorys.ReferencePrefix,
		Timeout:         cfg.Bictorys.Timeout,
	})

	// 4. File storage: R2 when configured, local filesystem otherwise
	var fileStore storage.Store
	if cfg.Upload.R2AccountID != "" {
		fileStore, err = storage.NewR2Store(cfg.Upload.R2AccountID, cfg.Upload.R2AccessKey,
			cfg.Upload.R2Secret, cfg.Upload.R2Bucket, cfg.Upload.R2PublicURL)
		if err != nil {
			log.Fatalf("Failed to initialize R2 storage: %v", err)
		}
		log.Println("File storage: Cloudflare R2")
	} else {
		fileStore, err = storage.NewLocalStore(cfg.Upload.Dir, cfg.Upload.BaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize file storage: %v", err)
		}
		log.Printf("File storage: local (%s)", cfg.Upload.Dir)
	}

	// 5. Set up router with global middleware
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 6. Initialize handlers with their dependencies
	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret)
	userHandler := handlers.NewUserManagementHandler(db)
	clientHandler := handlers.NewClientHandler(db)
	contractHandler := handlers.NewContractHandler(db, insurer)
	settlementHandler := handlers.NewSettlementHandler(db, payments, cfg.Bictorys.SuccessURL)
	webhookHandler := handlers.NewWebhookHandler(db, payments, cfg.Bictorys.WebhookSecret)
	dashboardHandler := handlers.NewDashboardHandler(db)
	referentielHandler := handlers.NewReferentielHandler(insurer)
	onboardingHandler := handlers.NewOnboardingHandler(db, fileStore)
	uploadHandler := handlers.NewUploadHandler(fileStore, cfg.Upload.Dir)
	activityHandler := handlers.NewActivityHandler(db)

	// Start background cron jobs
	cron.StartExpiryWorker(db)
	cron.StartDocumentWorker(db, insurer)

	// 7. Public routes (no authentication required)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("BWhite Assurances API"))
	})
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(db.Health())
	})

	// Auth routes — public, rate-limited against brute force
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(rate.Every(6*time.Second), 10))
		r.Post("/api/auth/register", authHandler.Register)
		r.Post("/api/auth/login", authHandler.Login)
	})

	// Payment provider callback — authenticated by shared secret inside
	r.With(middleware.RateLimit(rate.Every(time.Second), 30)).
		Post("/api/webhooks/bictorys", webhookHandler.HandleBictorys)

	// Serve uploaded files (local storage only — R2 redirects to the CDN)
	r.Get("/api/files/*", uploadHandler.ServeFile)

	// 8. Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		// Current user profile
		r.Get("/api/auth/me", authHandler.GetMe)

		// File upload
		r.Post("/api/upload", uploadHandler.Upload)

		// Dashboard
		r.Get("/api/dashboard/metrics", dashboardHandler.GetMetrics)
		r.Get("/api/dashboard/expiring", dashboardHandler.GetExpiryAlerts)

		// Insurer reference data for the quote forms
		r.Get("/api/referentiels/marques", referentielHandler.ListMakes)
		r.Get("/api/referentiels/categories", referentielHandler.ListCategories)
		r.Get("/api/referentiels/sous-categories", referentielHandler.ListSubCategories)
		r.Get("/api/referentiels/carrosseries", referentielHandler.ListBodyTypes)

		// Clients and their vehicles (scoped to the owning apporteur)
		r.Get("/api/clients", clientHandler.List)
		r.Post("/api/clients", clientHandler.Create)
		r.Route("/api/clients/{id}", func(r chi.Router) {
			r.Get("/", clientHandler.GetByID)
			r.Put("/", clientHandler.Update)
			r.Delete("/", clientHandler.Delete)
			r.Post("/vehicules", clientHandler.CreateVehicle)
		})

		// Contracts: quote, issue, manage
		r.Post("/api/contracts/simulate", contractHandler.Simulate)
		r.Get("/api/contracts", contractHandler.List)
		r.Post("/api/contracts", contractHandler.Create)
		r.Get("/api/contracts/export", contractHandler.Export)
		r.Route("/api/contracts/{id}", func(r chi.Router) {
			r.Get("/", contractHandler.GetByID)
			r.Post("/renew", contractHandler.Renew)
			r.Post("/documents/refresh", contractHandler.RefreshDocuments)
		})

		// Settlements
		r.Get("/api/encaissements", settlementHandler.List)
		r.Get("/api/encaissements/summary", settlementHandler.Summary)
		r.Get("/api/encaissements/{id}", settlementHandler.GetByID)
		r.Post("/api/encaissements/{id}/checkout", settlementHandler.Checkout)

		// Own onboarding dossier
		r.Get("/api/onboarding/me", onboardingHandler.GetMe)
		r.Post("/api/onboarding/terms", onboardingHandler.AcceptTerms)
		r.Post("/api/onboarding/documents/{type}", onboardingHandler.UploadDocument)
		r.Post("/api/onboarding/submit", onboardingHandler.Submit)

		// Staff operations (COMMERCIAL and above)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireMinRole("COMMERCIAL"))

			r.Put("/api/encaissements/{id}/validate", settlementHandler.Validate)
			r.Get("/api/encaissements/{id}/charge", settlementHandler.ProbeCharge)

			r.Get("/api/admin/onboarding", onboardingHandler.List)
			r.Post("/api/admin/onboarding/{id}/validate", onboardingHandler.Validate)
			r.Post("/api/admin/onboarding/{id}/reject", onboardingHandler.Reject)
		})

		// Administration
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireMinRole("ADMIN"))

			r.Post("/api/contracts/{id}/cancel", contractHandler.Cancel)

			r.Get("/api/admin/users", userHandler.List)
			r.Post("/api/admin/users", userHandler.Create)
			r.Put("/api/admin/users/{id}", userHandler.Update)

			r.Get("/api/admin/activity", activityHandler.List)
		})
	})

	// 9. Start server with graceful shutdown
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: r,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server started on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-done
	log.Println("Server stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited properly")
}
