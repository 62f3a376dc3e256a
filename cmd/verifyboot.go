package cmd

import (
	"encoding/hex"
	"fmt"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/manager"
)

// RunVerifyBoot runs boot chain verification from a configuration file and
// prints the outcome, per-stage flags, and measurement registers.
func RunVerifyBoot(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Boot == nil || len(cfg.Boot.Stages) == 0 {
		return fmt.Errorf("no boot stages configured")
	}

	// Force boot verification on for this run regardless of the manager
	// block; the command exists to exercise it.
	if cfg.Manager == nil {
		cfg.Manager = &config.ManagerConfig{}
	}
	cfg.Manager.EnableBootVerify = true
	cfg.Manager.EnableChainVerify = true
	cfg.Manager.EnableMeasuredBoot = true

	logging.SetDefault(logging.New(cfg.Logging.ToLoggingConfig()))

	mgr, err := manager.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("init security manager: %w", err)
	}
	defer mgr.Close()

	result, err := mgr.VerifyBoot()
	if err != nil {
		return err
	}

	fmt.Printf("Result: %s\n", result)

	if report, ok := mgr.AttestationReport(); ok {
		fmt.Println("\nBoot event log:")
		for _, ev := range report.Events {
			status := "ok"
			if ev.Failure != "" {
				status = "FAILED: " + ev.Failure
			}
			fmt.Printf("  %-16s register=%-2d %s\n", ev.Stage, ev.Register, status)
		}

		fmt.Println("\nMeasurement registers (non-zero):")
		var zero [32]byte
		for i, reg := range report.Registers {
			if reg != zero {
				fmt.Printf("  pcr[%02d] = %s\n", i, hex.EncodeToString(reg[:]))
			}
		}
	}

	if !result.OK {
		return fmt.Errorf("chain verification failed at %q", result.FailedStage)
	}
	return nil
}
