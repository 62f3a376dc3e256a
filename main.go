package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/bastion/cmd"
)

const defaultConfigFile = "/etc/bastion/bastion.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("v", false, "Verbose output")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfigFile
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		diffFlags.Parse(os.Args[2:])
		if diffFlags.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: bastion diff <config-a> <config-b>")
			os.Exit(1)
		}
		if err := cmd.RunDiff(diffFlags.Arg(0), diffFlags.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "verify-boot":
		vbFlags := flag.NewFlagSet("verify-boot", flag.ExitOnError)
		configFile := vbFlags.String("config", defaultConfigFile, "Configuration file")
		vbFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		vbFlags.Parse(os.Args[2:])

		if err := cmd.RunVerifyBoot(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Boot verification failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		addr := statusFlags.String("addr", "127.0.0.1:8440", "Admin API address")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*addr); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `bastion - platform security subsystem

Usage:
  bastion start [-c config]         Start the security manager and admin API
  bastion check [-v] [config]       Validate a configuration file
  bastion diff <a> <b>              Show the difference between two configs
  bastion verify-boot [-c config]   Run boot chain verification and report
  bastion status [-addr host:port]  Query a running instance
`)
}
