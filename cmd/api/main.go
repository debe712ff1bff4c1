package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sorteo/internal/allocator"
	"sorteo/internal/config"
	"sorteo/internal/handler"
	"sorteo/internal/service"
	"sorteo/internal/store"

	"github.com/google/logger"
)

type application struct {
	config        *config.Config
	logger        *logger.Logger
	closers       []io.Closer
	raffleService *service.RaffleService
	server        *http.Server
	shutdownChan  chan struct{}
	sweeperDone   chan struct{}
}

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		logger.Init("sorteo", false, false, io.Discard).Fatalf("Failed to load configuration: %v", err)
	}

	logOut, err := openLogOutput(cfg.LogFile)
	if err != nil {
		logger.Init("sorteo", false, false, io.Discard).Fatalf("Failed to open log file: %v", err)
	}
	if logOut != os.Stdout {
		defer logOut.Close()
	}

	log := logger.Init("sorteo", cfg.Verbose && logOut != os.Stdout, false, logOut)
	defer log.Close()

	app := &application{
		config:       cfg,
		logger:       log,
		shutdownChan: make(chan struct{}),
		sweeperDone:  make(chan struct{}),
	}
	defer app.close()

	st, err := app.openStore()
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	redisStore, err := app.openCache()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	var (
		cache  service.RaffleCache
		events service.EventPublisher
	)
	if redisStore != nil {
		cache, events = redisStore, redisStore
	}

	app.raffleService = service.NewRaffleService(log, st, cache, cfg.RaffleCacheTTL)
	paymentService := service.NewPaymentService(log, st)
	verificationService := service.NewVerificationService(log, st, allocator.New(nil), cache, events)

	go app.runStateSweeper()

	router := handler.NewRouter(log, []byte(cfg.JWTSecret),
		handler.NewRaffleHandler(log, app.raffleService),
		handler.NewPaymentHandler(log, paymentService, verificationService))

	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     stdlog.New(os.Stderr, "http: ", stdlog.LstdFlags),
	}

	app.serve()
}

// openStore returns the configured backend. The Postgres backend is migrated
// before use.
func (app *application) openStore() (service.Store, error) {
	switch app.config.DBDriver {
	case config.DriverMemory:
		app.logger.Warning("Using the in-memory store; data is lost on restart")
		return store.NewMemoryStore(app.config.DBLockTimeout), nil
	default:
		db, err := store.ConnectDB(app.config.DBDriver, app.config.DBDataSourceName)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		dbStore := store.NewDBStore(db, app.config.DBLockTimeout)
		app.closers = append(app.closers, dbStore)

		if err := store.RunMigrations(db, app.config.MigrationsDir, app.logger); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return dbStore, nil
	}
}

// openCache connects to Redis. With the in-memory backend an unreachable
// Redis is tolerated: the result is nil and raffles are read uncached with
// no verification events published.
func (app *application) openCache() (*store.RedisStore, error) {
	client, err := store.NewRedisClient(app.config.RedisAddr, app.config.RedisPassword, app.config.RedisDB)
	if err != nil {
		if app.config.DBDriver == config.DriverMemory {
			app.logger.Warningf("Running without Redis: %v", err)
			return nil, nil
		}
		return nil, err
	}

	redisStore := store.NewRedisStore(client)
	app.closers = append(app.closers, redisStore)
	return redisStore, nil
}

// openLogOutput returns the file at path opened for appending, or stdout
// when path is empty.
func openLogOutput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (app *application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Errorf("Error closing resource: %v", err)
		}
	}
}

func (app *application) serve() {
	app.logger.Infof("Starting server on %s", app.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		app.logger.Errorf("Server error: %v", err)
	case sig := <-quit:
		app.logger.Infof("Received signal %s. Shutting down server...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.logger.Info("Signaling state sweeper to stop...")
	close(app.shutdownChan)
	select {
	case <-app.sweeperDone:
		app.logger.Info("State sweeper stopped.")
	case <-time.After(10 * time.Second):
		app.logger.Warning("State sweeper did not stop in time.")
	}

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Errorf("Graceful server shutdown failed: %v", err)
	} else {
		app.logger.Info("Server gracefully stopped.")
	}

	app.logger.Info("Application shut down complete.")
}

// runStateSweeper periodically finishes raffles past their draw date and
// marks full raffles as sold out.
func (app *application) runStateSweeper() {
	defer close(app.sweeperDone)

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), app.config.SweepInterval)
		defer cancel()
		if err := app.raffleService.Sweep(ctx); err != nil {
			app.logger.Errorf("Sweeper: %v", err)
		}
	}

	sweep()

	ticker := time.NewTicker(app.config.SweepInterval)
	defer ticker.Stop()

	app.logger.Infof("State sweeper started. Will run every %s.", app.config.SweepInterval)

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-app.shutdownChan:
			app.logger.Info("Sweeper: Received shutdown signal. Stopping...")
			return
		}
	}
}
