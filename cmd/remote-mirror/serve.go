package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"remote-mirror/internal/api"
	"remote-mirror/internal/config"
	"remote-mirror/internal/helpers"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and start configured watchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func loadAPIToken(cfg *config.Config) (string, error) {
	if cfg.APIToken != "" {
		log.Infof("API: Using configured token")
		return cfg.APIToken, nil
	}

	file := filepath.Join(cfg.StateDir, "api_token")
	token, err := helpers.GetOrCreateRandomSecret(file, 20)
	if err != nil {
		return "", err
	}
	log.Infof("API: Generated/loaded token from %s", file)
	return token, nil
}

func runServe(ctx context.Context, flags *globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, manager, cleanup, err := openManager(flags)
	if err != nil {
		return err
	}
	defer cleanup()

	token, err := loadAPIToken(cfg)
	if err != nil {
		return err
	}

	for _, conn := range cfg.Connections {
		if !conn.Watch {
			continue
		}
		if _, err := manager.StartWatch(conn.ID); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(manager, token).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var certFile, keyFile string
	if cfg.TLS {
		certFile, keyFile, err = helpers.GetOrCreateCertificates(cfg.StateDir)
		if err != nil {
			return err
		}
		log.Infof("TLS: Certificate: %s / %s", certFile, keyFile)
		if fingerprint, err := helpers.GetCertificateFingerprint(certFile); err == nil {
			log.Infof("TLS: Fingerprint: %s", fingerprint)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if cfg.TLS {
			log.Infof("HTTPS: Server ready! Listening on https://%s", cfg.Listen)
			err = server.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Infof("HTTP: Server ready! Listening on http://%s", cfg.Listen)
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Infof("HTTP: Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
