package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"rksv-fiscal-service/internal/closing"
	"rksv-fiscal-service/internal/config"
	"rksv-fiscal-service/internal/dep"
	"rksv-fiscal-service/internal/handlers"
	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/recorder"
	"rksv-fiscal-service/internal/signing"
	"rksv-fiscal-service/internal/tailcache"
	"rksv-fiscal-service/internal/tenants"
)

func main() {
	// Load configuration
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tenant registry from bootstrap config
	registry, err := tenants.NewRegistry(cfg.Tenants, cfg.Closing.DefaultTimezone, cfg.Server.Verbose)
	if err != nil {
		log.Fatalf("Failed to initialize tenant registry: %v", err)
	}

	// Ledger store and signer based on configuration (factory pattern)
	store, err := ledger.CreateStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize ledger store: %v", err)
	}
	defer store.Close()

	signer, err := signing.CreateSigner(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize signer: %v", err)
	}

	// Optional Redis tail cache
	tails := tailcache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Server.Verbose)
	defer tails.Close()

	if cfg.Server.Verbose {
		log.Printf("Initialized %s ledger store with %s signing", cfg.Storage.Backend, cfg.Signing.Mode)
	}

	rec := recorder.NewRecorder(store, signer, tails, cfg.Server.Verbose)
	orchestrator := closing.NewOrchestrator(store, signer, registry, tails, cfg.Server.Verbose)

	exporter := dep.NewExporter(
		store,
		registry,
		cfg.Export.ArchiveDir,
		time.Duration(cfg.Export.RetrievalTTLMinutes)*time.Minute,
		cfg.Server.Verbose,
	)

	var delivery *dep.DeliveryClient
	if cfg.FinanzOnline.Enabled {
		delivery = dep.NewDeliveryClient(
			cfg.FinanzOnline.UseSandbox,
			cfg.FinanzOnline.ParticipantID,
			cfg.FinanzOnline.UserID,
			cfg.FinanzOnline.Password,
			store,
			cfg.Server.Verbose,
		)
		if cfg.Server.Verbose {
			log.Printf("FinanzOnline delivery enabled (sandbox: %v)", cfg.FinanzOnline.UseSandbox)
		}
	}

	// Daily closing scheduler
	scheduler := closing.NewScheduler(orchestrator, exporter, delivery, registry, cfg.Closing.Hour, cfg.Closing.Minute, cfg.Server.Verbose)
	scheduler.Start(ctx)

	// Initialize handlers
	handler := handlers.NewHandler(rec, orchestrator, exporter, delivery, registry, store, tails, cfg.Server.AdminKey, cfg.Server.Verbose)

	// Set up Gin router with logging based on verbose config
	var router *gin.Engine
	if cfg.Server.Verbose {
		gin.SetMode(gin.DebugMode)
		router = gin.Default()
		log.Printf("Verbose mode enabled - HTTP requests will be logged")
	} else {
		gin.SetMode(gin.ReleaseMode)
		router = gin.New()
		router.Use(gin.Recovery())
	}

	handler.RegisterRoutes(router)

	// Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting fiscal signature service on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
