package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/config"
	"github.com/leadmarket/backend/internal/database"
	"github.com/leadmarket/backend/internal/handlers"
	mW "github.com/leadmarket/backend/internal/middleware"
	"github.com/leadmarket/backend/internal/notify"
	"github.com/leadmarket/backend/internal/services"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "apply the schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	db, err := database.InitDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	redisClient := database.InitRedis(ctx)
	if redisClient != nil {
		defer redisClient.Close()
	}

	notifier, closeNotifier := buildNotifier(cfg.Notifications, redisClient)
	defer closeNotifier()
	dispatcher := notify.NewDispatcher(notifier, cfg.Notifications.DeliveryLimit)

	var feed *notify.ChangeFeed
	if redisClient != nil && cfg.Notifications.ChangeFeed {
		feed = notify.NewChangeFeed(redisClient)
	}
	auditLogger := audit.NewLogger()

	resolver := services.NewIdentityResolver(db)
	ledger := services.NewCreditLedger(db, auditLogger, feed)
	claims := services.NewLeadClaimService(db, ledger, resolver, auditLogger, feed, dispatcher)
	orders := services.NewOrderService(db, resolver, auditLogger, dispatcher, cfg.Market.Currency)
	catalog := services.NewCreditCatalog(db, resolver, cfg.Market.Currency)
	reconciler := services.NewPaymentReconciler(db, orders, ledger, catalog, resolver, auditLogger, dispatcher)

	if cfg.Payments.WebhookSecret == "" {
		log.Printf("[SERVER] payments.webhook_secret is empty, payment webhooks will be rejected")
	}

	api := &handlers.API{
		Leads:    handlers.NewLeadHandler(claims),
		Credits:  handlers.NewCreditHandler(ledger, catalog, resolver),
		Orders:   handlers.NewOrderHandler(orders),
		Webhooks: handlers.NewWebhookHandler(reconciler, cfg.Payments.WebhookSecret, cfg.Payments.SignatureTolerance),
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.SignatureHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	authenticator := mW.NewAuthenticator(cfg.JWT.SecretKey)
	r.Route("/api/v1", func(r chi.Router) {
		api.Mount(r, authenticator)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Market.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("[SERVER] Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[SERVER] Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[SERVER] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	dispatcher.Wait()

	log.Println("[SERVER] Stopped")
	return nil
}

// buildNotifier picks the notification sink. Without Redis the redis sink
// degrades to logging.
func buildNotifier(cfg config.NotificationConfig, redisClient *redis.Client) (notify.Notifier, func()) {
	noop := func() {}
	switch cfg.Sink {
	case config.SinkKafka:
		k := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		return k, closeWith(k)
	case config.SinkRedis:
		if redisClient == nil {
			log.Printf("[SERVER] Redis unavailable, notifications fall back to the log sink")
			return notify.LogNotifier{}, noop
		}
		return notify.NewRedisQueue(redisClient, cfg.RedisQueue), noop
	default:
		return notify.LogNotifier{}, noop
	}
}

func closeWith(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Printf("[SERVER] Close failed: %v", err)
		}
	}
}
