package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"trustplane.org/internal/obs"
	"trustplane.org/internal/rbac"
	"trustplane.org/internal/sched"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store"
	"trustplane.org/internal/stream"
	"trustplane.org/internal/token"
	"trustplane.org/internal/trust"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("TRUSTPLANE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TRUSTPLANE_AUTH_SECRET is required")
	}

	// Credential/profile storage: PostgreSQL when a DSN is configured,
	// otherwise in-memory.
	var backing store.Store = store.NewMemory()
	var db *sql.DB
	if dsn := os.Getenv("TRUSTPLANE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		backing = store.NewPG(db)
	}

	bus := stream.NewBus()

	issuer, err := token.NewIssuer([]byte(secret), "trustplane", token.WithBus(bus))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	sessions := session.NewRegistry(session.WithBus(bus))
	authority := rbac.NewAuthority(rbac.WithBus(bus))

	coordinator, err := trust.NewCoordinator(trust.Config{
		Tokens:      issuer,
		Sessions:    sessions,
		UserGuard:   session.NewGuard(session.WithGuardBus(bus)),
		OriginGuard: session.NewGuard(session.WithGuardBus(bus)),
		Roles:       authority,
		Store:       backing,
		Hasher:      trust.NewBcryptHasher(0),
		GlobalRate:  50,
		GlobalBurst: 100,
		DefaultRole: os.Getenv("TRUSTPLANE_DEFAULT_ROLE"),
	})
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepInterval := time.Minute
	if raw := os.Getenv("TRUSTPLANE_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			sweepInterval = d
		}
	}
	sweeper := sched.NewSweeper(sweepInterval)
	coordinator.RegisterSweeps(sweeper)
	sweeper.Start(ctx)

	// Log lifecycle events from the bus.
	go func() {
		for evt := range bus.Subscribe(ctx) {
			obs.Logger().Info("trust event", "type", string(evt.Type),
				"user_id", evt.UserID, "session_id", evt.SessionID)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer pingCancel()
			if err := db.PingContext(pingCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("TRUSTPLANE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting trustd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
