package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/walletpay/ledger/internal/config"
	"github.com/walletpay/ledger/internal/database"
	"github.com/walletpay/ledger/internal/ledger"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation sweep and exit")
	interval := flag.Duration("interval", 5*time.Minute, "sweep interval when running continuously")
	flag.Parse()

	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer database.CloseDB()

	ledgerConfig := config.LoadLedgerConfig()
	store := ledger.NewStore(db, ledgerConfig)
	projector := ledger.NewProjector(store)

	if *once {
		if sweep(projector) > 0 {
			os.Exit(1)
		}
		return
	}

	log.Printf("[RECONCILER] Sweeping every %s", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sweep(projector)
	for {
		select {
		case <-ticker.C:
			sweep(projector)
		case <-quit:
			log.Println("[RECONCILER] Shutting down")
			return
		}
	}
}

func sweep(projector *ledger.Projector) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	drifts, err := projector.ReconcileAll(ctx)
	if err != nil {
		log.Printf("[RECONCILER] Sweep failed: %v", err)
		return 0
	}

	if len(drifts) == 0 {
		log.Println("[RECONCILER] All accounts reconciled, no drift")
		return 0
	}
	for _, d := range drifts {
		log.Printf("[RECONCILER] DRIFT account=%s expected=%d actual=%d", d.AccountID, d.Expected, d.Actual)
	}
	return len(drifts)
}
