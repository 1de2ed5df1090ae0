package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"affiliate-engine/handlers"
	"affiliate-engine/middleware"
	"affiliate-engine/models"
	"affiliate-engine/services"
	"affiliate-engine/utils"
	"affiliate-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}

	// Engine config validates at startup: bad thresholds must never reach
	// the evaluation path.
	engineConfig, err := services.LoadEngineConfig()
	if err != nil {
		log.Fatal("invalid engine configuration: ", err)
	}

	app := fiber.New(fiber.Config{})

	// Only Gateway requests allowed - no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Member{},
		&models.Order{},
		&models.CommissionEntry{},
		&models.PayoutBatch{},
		&models.PayoutTransfer{},
		&models.AuditLog{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	auditService := services.NewAuditService(db)
	treeService := services.NewTreeService(db, auditService)
	policy := services.NewReconsumptionPolicy(engineConfig)
	ledgerService := services.NewLedgerService(db, auditService)
	commissionService := services.NewCommissionService(db, treeService, policy, ledgerService, auditService, engineConfig)

	// --- CONFIGURE Payout Rail ---
	railURL := os.Getenv("PAYOUT_RAIL_URL")
	if railURL == "" {
		log.Fatal("PAYOUT_RAIL_URL environment variable not set")
	}
	railToken := os.Getenv("ENGINE_SERVICE_TOKEN")
	if railToken == "" {
		log.Fatal("ENGINE_SERVICE_TOKEN environment variable not set")
	}
	// --- END CONFIG ---

	rail := services.NewPayoutRailClient(railURL, railToken)
	settlementService := services.NewSettlementService(db, ledgerService, auditService, rail, engineConfig)
	settlementService.Archive = utils.UploadBatchReport

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Wallet mirror keeps member wallet addresses fresh for payouts.
	walletSyncClient := workers.NewWalletSyncClient(db)
	go workers.PollWallets(ctx, walletSyncClient, 30*time.Second)

	// Reconciliation sweep recovers orders confirmed but never settled.
	sweepWorker := workers.NewSettlementSweepWorker(db, commissionService, engineConfig.SweepInterval, engineConfig.SweepGracePeriod)
	go sweepWorker.Start(ctx)

	settlementService.StartScheduler()

	handlers.SetupMemberRoutes(app, treeService)
	handlers.SetupCommissionRoutes(app, commissionService, ledgerService)
	handlers.SetupPayoutRoutes(app, settlementService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("Server running on http://localhost:5300")
	log.Printf("Settlement scheduler running (every %s)", engineConfig.SettlementInterval)
	log.Println("Wallet polling running (every 30s)")
	log.Println("Settlement sweep running")
	log.Println("GatewayAuthMiddleware enforced globally - all requests must come from Gateway")
	log.Printf("CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
