// moltd is the negotiation coordination server: it registers agents,
// drives sealed two-party price negotiations to attested outcomes and
// reconciles per-session escrow in the background.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moltd/agentclient"
	"moltd/attestation"
	"moltd/automation"
	"moltd/config"
	"moltd/engine"
	"moltd/escrow"
	"moltd/observability"
	"moltd/observability/logging"
	"moltd/policy"
	"moltd/runtimeattest"
	"moltd/sealing"
	"moltd/server"
	"moltd/store"
)

func main() {
	env := os.Getenv(policy.EnvEnvironment)
	logger := logging.Setup("moltd", env)

	if err := run(logger); err != nil {
		logger.Error("moltd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	snap := policy.Resolve()
	if err := policy.CheckReadiness(snap); err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	production := policy.IsProduction()
	sealer, err := sealing.New(sealing.Options{
		MasterKey:            os.Getenv(policy.EnvSealingKey),
		Production:           production,
		AllowInsecureDevKeys: snap.AllowInsecureDevKeys,
	})
	if err != nil {
		return err
	}
	signer, err := attestation.NewSigner(attestation.SignerOptions{
		KeyHex:               os.Getenv(policy.EnvAttestationSignerKey),
		Production:           production,
		AllowInsecureDevKeys: snap.AllowInsecureDevKeys,
	})
	if err != nil {
		return err
	}

	client := agentclient.New(agentclient.Options{
		Timeout:      cfg.DecisionTimeout(),
		PathOverride: cfg.DecisionPathOverride,
		Logger:       logger,
	})
	eng := engine.New(client, runtimeattest.New(), logger)
	manager := escrow.New(st, logger)
	loop := automation.FromEnv(manager, logger)
	metrics := observability.NewMetrics("moltd")

	srv := server.New(server.Deps{
		Config:  cfg,
		Store:   st,
		Sealer:  sealer,
		Signer:  signer,
		Engine:  eng,
		Escrow:  manager,
		Loop:    loop,
		Metrics: metrics,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop.Start(ctx)
	defer loop.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("moltd listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("executionMode", snap.ExecutionMode()),
			slog.String("signer", signer.Address()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
