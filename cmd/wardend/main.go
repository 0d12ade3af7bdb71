package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/daemon"
	"github.com/cuemby/warden/pkg/task"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// the re-exec child entry must run before anything else touches
	// the inherited descriptors
	if len(os.Args) > 1 && os.Args[1] == task.InitArg {
		task.RunInit()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wardend",
	Short: "Warden - single-host container supervisor daemon",
	Long: `Wardend supervises named containers confined by cgroups,
namespaces and overlay/loop-backed volumes, and serves the warden
protocol on a local unix socket.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cfg.Daemon.Debug = true
			cfg.Log.Level = "debug"
		}
		d, err := daemon.New(cfg, configPath, Version)
		if err != nil {
			return err
		}
		os.Exit(d.Run())
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wardend version %s (%s)\n", Version, Commit))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.Flags().Bool("debug", false, "Force debug logging and fail-fast errors")
}
