/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (viper: env vars + defaults, flags override)
  2. Initialize SQLite store
  3. Wire ledger service, lesson coordinator, notification dispatcher
  4. Start the overdue payment sweeper
  5. Start server with graceful shutdown

CONFIGURATION:
  Environment variables (prefix BILLING_) with flag overrides:
    BILLING_PORT / -port    HTTP server port (default: 8080)
    BILLING_DB   / -db      SQLite database path (default: billing.db)
                            Use ":memory:" for in-memory database
    BILLING_SWEEP_INTERVAL  Overdue sweep interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, flush pending notifications
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  BILLING_PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/fluentclass/billing-engine/api"
	"github.com/fluentclass/billing-engine/ledger"
	"github.com/fluentclass/billing-engine/lesson"
	"github.com/fluentclass/billing-engine/notify"
	"github.com/fluentclass/billing-engine/store/sqlite"
)

func main() {
	// Config: env vars with defaults, flags take precedence.
	viper.SetEnvPrefix("billing")
	viper.AutomaticEnv()
	viper.SetDefault("port", 8080)
	viper.SetDefault("db", "billing.db")
	viper.SetDefault("sweep_interval", time.Hour)

	port := flag.Int("port", viper.GetInt("port"), "HTTP server port")
	dbPath := flag.String("db", viper.GetString("db"), "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Notification hooks: log-only senders until real integrations land.
	dispatcher := notify.NewDispatcher(10 * time.Second)
	dispatcher.Register(notify.EmailHook(notify.LogEmailSender{}))
	dispatcher.Register(notify.CalendarHook(notify.LogCalendarSync{}))

	// Domain services
	ledgerSvc := ledger.NewService(store)
	coordinator := lesson.NewCoordinator(store, ledgerSvc, dispatcher)

	// Background overdue sweep
	sweeper := api.NewOverdueSweeper(store)
	sweeper.CheckInterval = viper.GetDuration("sweep_interval")
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP layer
	handler := api.NewHandler(store, ledgerSvc, coordinator)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Let in-flight notification hooks finish.
	dispatcher.Wait()

	log.Println("Server stopped")
}
