// guestmail is the temporary mail account service: it serves the
// self-service creation endpoint, the admin API and the metrics
// endpoint, and runs the periodic expiry pruner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guestmail/guestmail/config"
	"github.com/guestmail/guestmail/lifecycle"
	"github.com/guestmail/guestmail/logger"
	"github.com/guestmail/guestmail/mailcow"
	"github.com/guestmail/guestmail/pruner"
	"github.com/guestmail/guestmail/store"
	"github.com/guestmail/guestmail/webapi"
)

func main() {
	configPath := flag.String("config", "guestmail.toml", "Path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize logger: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		logger.Fatal("service failed", "error", err)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	st, err := store.Open(ctx, cfg.Database.Path, &store.Options{
		LockRetry:   cfg.Database.LockRetryDuration(),
		LockTimeout: cfg.Database.LockTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", cfg.Database.Path, err)
	}
	defer st.Close()

	remote, err := buildRemote(ctx, cfg, st)
	if err != nil {
		return err
	}

	engine := lifecycle.New(st, remote, lifecycle.Policy{
		SoftExpiryMinTTL:       cfg.Lifecycle.SoftExpiryMinTTLSeconds(),
		SoftExpiryIdleFraction: cfg.Lifecycle.SoftExpiryIdle,
		CreateRetries:          cfg.Lifecycle.CreateRetries,
		MailboxTag:             cfg.Mailcow.Tag,
	})

	worker := pruner.New(engine, nil, cfg.Pruner.IntervalDuration())
	if cfg.Pruner.Enabled {
		worker.Start(ctx)
		defer worker.Stop()
	}

	errChan := make(chan error, 1)
	go webapi.Start(ctx, engine, webapi.ServerOptions{
		Addr:   cfg.Web.Addr,
		APIKey: cfg.Web.APIKey,
		Pruner: worker,
	}, errChan)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// buildRemote creates the provider client from the config file,
// falling back to the endpoint recorded at setup time.
func buildRemote(ctx context.Context, cfg config.Config, st *store.Store) (*mailcow.Client, error) {
	endpoint := cfg.Mailcow.Endpoint
	apiKey := cfg.Mailcow.APIKey
	if endpoint == "" {
		err := st.WithRead(ctx, func(sess *store.Session) error {
			settings, err := sess.Settings(ctx)
			if err != nil {
				return err
			}
			endpoint = settings.MailcowEndpoint
			apiKey = settings.MailcowToken
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("no mailcow endpoint configured and none stored: %w", err)
		}
	}
	return mailcow.New(mailcow.Options{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Timeout:  cfg.Mailcow.TimeoutDuration(),
	})
}
