package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/bastion/internal/api"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/manager"
)

// RunStart loads the configuration, brings up the security manager, runs
// boot verification when enabled, and serves the admin API until a signal
// arrives.
func RunStart(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.SetDefault(logging.New(cfg.Logging.ToLoggingConfig()))
	logger := logging.WithComponent("main")

	mgr, err := manager.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("init security manager: %w", err)
	}
	defer mgr.Close()

	if cfg.Manager != nil && cfg.Manager.EnableBootVerify && cfg.Boot != nil {
		result, err := mgr.VerifyBoot()
		if err != nil {
			return err
		}
		if !result.OK {
			// The verifier never advances past a failed element; whether a
			// failed chain halts the system is this caller's decision.
			if cfg.Manager.StrictMode || cfg.Boot.StrictMode {
				return fmt.Errorf("boot verification: %s", result)
			}
			logger.Error("continuing with unverified boot chain", "result", result.String())
		} else {
			logger.Info("boot chain verified")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiCfg := config.APIConfig{}
	if cfg.API != nil {
		apiCfg = *cfg.API
	}
	server := api.NewServer(mgr, apiCfg)
	return server.ListenAndServe(ctx)
}
