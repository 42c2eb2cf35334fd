package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/davidahmann/tollgate/internal/config"
	"github.com/davidahmann/tollgate/internal/logging"
	"github.com/davidahmann/tollgate/internal/replay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv, os.Stderr, listenAndServe); err != nil {
		fatalf("tollgate-gateway: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

func run(ctx context.Context, args []string, getenv envFn, logOut io.Writer, listen listenFn) error {
	fs := pflag.NewFlagSet("tollgate-gateway", pflag.ContinueOnError)
	fs.SetOutput(logOut)
	configPath := fs.String("config", "", "path to tollgate config file")
	listenAddr := fs.String("listen", "", "listen address (overrides config)")
	policyPath := fs.String("policy", "", "path to tool policy (overrides config)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(firstNonEmpty(*configPath, getenv("TOLLGATE_CONFIG_PATH")), getenv)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *policyPath != "" {
		cfg.PolicyPath = *policyPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	if a.purger != nil {
		go replay.RunJanitor(workerCtx, a.purger, time.Duration(cfg.Replay.PurgeIntervalSeconds)*time.Second, logger)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	logger.Info("tollgate-gateway listening", "addr", cfg.ListenAddr, "ledger", a.backends.Ledger, "replay", a.backends.Replay, "authz", a.backends.Authz)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadConfig(path string, getenv envFn) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(getenv)
	return cfg, cfg.Validate()
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
