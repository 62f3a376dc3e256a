package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/bastion/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: bastion check [-v] <config-file>")
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid!")
	if cfg.Boot != nil {
		fmt.Printf("Boot stages: %d\n", len(cfg.Boot.Stages))
	}
	if cfg.Network != nil {
		fmt.Printf("Rules: %d\n", len(cfg.Network.Rules))
		fmt.Printf("Signatures: %d\n", len(cfg.Network.Signatures))
		fmt.Printf("Tunnels: %d\n", len(cfg.Network.Tunnels))
	}

	if verbose {
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if cfg.Boot != nil && len(cfg.Boot.Stages) > 0 {
		fmt.Fprintln(w, "\nSTAGE\tTYPE\tIMAGE\tPARENT")
		for _, s := range cfg.Boot.Stages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Type, s.Image, s.Parent)
		}
	}

	if cfg.Network != nil && len(cfg.Network.Rules) > 0 {
		fmt.Fprintln(w, "\nRULE\tID\tACTION\tPRIORITY\tPROTOCOL")
		for _, r := range cfg.Network.Rules {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", r.Name, r.ID, r.Action, r.Priority, r.Protocol)
		}
	}

	if cfg.Network != nil && len(cfg.Network.Signatures) > 0 {
		fmt.Fprintln(w, "\nSIGNATURE\tID\tSEVERITY\tRESPONSE")
		for _, s := range cfg.Network.Signatures {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.ID, s.Severity, s.Response)
		}
	}

	if cfg.Network != nil && len(cfg.Network.Tunnels) > 0 {
		fmt.Fprintln(w, "\nTUNNEL\tREMOTE\tENCRYPTION\tAUTH")
		for _, t := range cfg.Network.Tunnels {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.RemoteAddr, t.Encryption, t.Auth)
		}
	}
}
