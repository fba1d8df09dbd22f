package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aichat/internal/bootstrap"
	httptransport "aichat/internal/transport/http"
)

// SSE feeds stay open until their clients leave, so shutdown gives up after
// this long.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default configs/config.toml or $CONFIG_FILE)")
	flag.Parse()
	if *configPath != "" {
		_ = os.Setenv("CONFIG_FILE", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(ctx context.Context) error {
	app, err := bootstrap.New(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close resources failed: %v", err)
		}
	}()

	server := &http.Server{
		Addr:              app.Config.HTTPAddr(),
		Handler:           httptransport.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("server starting on %s (providers %v, default %s)",
			server.Addr, app.Gateway.Names(), app.Gateway.DefaultProvider())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
	return nil
}
