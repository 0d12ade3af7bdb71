package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	msignal "github.com/moby/sys/signal"
	"github.com/spf13/cobra"

	"github.com/cuemby/warden/api/rpc"
	"github.com/cuemby/warden/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - container supervisor CLI",
	Long: `Warden talks to the wardend daemon over its unix socket to
create, start, inspect and destroy supervised containers, volumes and
layers.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warden version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", client.DefaultSocket, "Daemon socket path")

	rootCmd.AddCommand(createCmd, destroyCmd, startCmd, stopCmd, killCmd,
		pauseCmd, resumeCmd, listCmd, getCmd, setCmd, dataCmd, waitCmd,
		volumeCmd, layerCmd, versionCmd)

	stopCmd.Flags().Duration("timeout", 30*time.Second, "Grace period before the freezer kill")
	waitCmd.Flags().Duration("timeout", 0, "How long to wait (0 polls once)")

	volumeCreateCmd.Flags().String("layer", "", "Layer to base the volume on")
	volumeCreateCmd.Flags().String("backend", "overlay", "Backend: overlay or loop")
	volumeCreateCmd.Flags().String("quota", "", "Space quota (e.g. 64M)")
	volumeCreateCmd.Flags().Bool("ro", false, "Read-only volume")
	volumeCmd.AddCommand(volumeCreateCmd, volumeDestroyCmd, volumeLinkCmd, volumeUnlinkCmd, volumeListCmd)

	layerCmd.AddCommand(layerImportCmd, layerExportCmd, layerRemoveCmd, layerListCmd)
}

func connect() (*client.Client, error) {
	return client.Connect(socketPath)
}

// run wraps a handler with connect/close plumbing.
func run(fn func(cl *client.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cl, err := connect()
		if err != nil {
			return err
		}
		defer cl.Close()
		return fn(cl, cmd, args)
	}
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a container",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.Create(args[0])
	}),
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a stopped or dead container",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.Destroy(args[0])
	}),
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a container",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.Start(args[0])
	}),
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a container (SIGTERM, then freezer kill)",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return cl.Stop(args[0], timeout)
	}),
}

var killCmd = &cobra.Command{
	Use:   "kill <name> [signal]",
	Short: "Send a signal to the container's root process",
	Args:  cobra.RangeArgs(1, 2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		sig := msignal.SignalMap["TERM"]
		if len(args) == 2 {
			var err error
			sig, err = msignal.ParseSignal(args[1])
			if err != nil {
				return err
			}
		}
		return cl.Kill(args[0], int32(sig))
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Freeze a running container",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.Pause(args[0])
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Thaw a paused container",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.Resume(args[0])
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers with their states",
	Args:  cobra.NoArgs,
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		names, err := cl.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No containers")
			return nil
		}
		pairs, err := cl.Get(names, []string{"state"}, 0)
		if err != nil {
			return err
		}
		states := make(map[string]string, len(pairs))
		for _, kv := range pairs {
			states[kv.Name] = kv.Value
		}
		for _, name := range names {
			fmt.Printf("%-40s %s\n", name, states[name])
		}
		return nil
	}),
}

var getCmd = &cobra.Command{
	Use:   "get <name> [property]",
	Short: "Read container properties",
	Args:  cobra.RangeArgs(1, 2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			v, err := cl.GetProperty(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		}
		props, err := cl.PropertyList()
		if err != nil {
			return err
		}
		for _, p := range props {
			key := strings.TrimSuffix(p, " (dynamic)")
			v, err := cl.GetProperty(args[0], key)
			if err != nil || v == "" {
				continue
			}
			fmt.Printf("%s = %s\n", key, v)
		}
		return nil
	}),
}

var setCmd = &cobra.Command{
	Use:   "set <name> <property> <value>",
	Short: "Set a container property",
	Args:  cobra.ExactArgs(3),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.SetProperty(args[0], args[1], args[2])
	}),
}

var dataCmd = &cobra.Command{
	Use:   "data <name> <key>",
	Short: "Read runtime data (state, exit_status, stdout, ...)",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		v, err := cl.GetData(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}),
}

var waitCmd = &cobra.Command{
	Use:   "wait [name...]",
	Short: "Wait until a container stops or dies",
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		name, state, err := cl.Wait(args, timeout)
		if err != nil {
			return err
		}
		if name == "" {
			return fmt.Errorf("timeout")
		}
		fmt.Printf("%s %s\n", name, state)
		return nil
	}),
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a volume",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		layer, _ := cmd.Flags().GetString("layer")
		backend, _ := cmd.Flags().GetString("backend")
		quotaStr, _ := cmd.Flags().GetString("quota")
		ro, _ := cmd.Flags().GetBool("ro")

		var quota int64
		if quotaStr != "" {
			var err error
			quota, err = units.RAMInBytes(quotaStr)
			if err != nil {
				return err
			}
		}
		return cl.CreateVolume(rpc.VolumeSpec{
			Path:     args[0],
			Layer:    layer,
			Backend:  backend,
			Quota:    quota,
			ReadOnly: ro,
		})
	}),
}

var volumeDestroyCmd = &cobra.Command{
	Use:   "destroy <path>",
	Short: "Destroy a volume",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.DestroyVolume(args[0])
	}),
}

var volumeLinkCmd = &cobra.Command{
	Use:   "link <path> <container>",
	Short: "Link a volume to a container",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.LinkVolume(args[0], args[1])
	}),
}

var volumeUnlinkCmd = &cobra.Command{
	Use:   "unlink <path> <container>",
	Short: "Unlink a volume (the last unlink destroys it)",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.UnlinkVolume(args[0], args[1])
	}),
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	Args:  cobra.NoArgs,
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		vols, err := cl.ListVolumes()
		if err != nil {
			return err
		}
		if len(vols) == 0 {
			fmt.Println("No volumes")
			return nil
		}
		for _, v := range vols {
			fmt.Printf("%-40s %-8s quota=%s layer=%s links=%s\n",
				v.Path, v.Backend, units.BytesSize(float64(v.Quota)),
				v.Layer, strings.Join(v.Links, ","))
		}
		return nil
	}),
}

var layerCmd = &cobra.Command{
	Use:   "layer",
	Short: "Manage layers",
}

var layerImportCmd = &cobra.Command{
	Use:   "import <name> <tarball>",
	Short: "Import a tarball as a layer",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.ImportLayer(args[0], args[1])
	}),
}

var layerExportCmd = &cobra.Command{
	Use:   "export <volume-path> <tarball>",
	Short: "Export an overlay volume's written level",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.ExportLayer(args[0], args[1])
	}),
}

var layerRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an unused layer",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		return cl.RemoveLayer(args[0])
	}),
}

var layerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported layers",
	Args:  cobra.NoArgs,
	RunE: run(func(cl *client.Client, cmd *cobra.Command, args []string) error {
		layers, err := cl.ListLayers()
		if err != nil {
			return err
		}
		for _, l := range layers {
			fmt.Println(l)
		}
		return nil
	}),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and daemon versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("client: %s\n", Version)
		cl, err := connect()
		if err != nil {
			fmt.Println("daemon: unreachable")
			return nil
		}
		defer cl.Close()
		v, err := cl.Version()
		if err != nil {
			return err
		}
		fmt.Printf("daemon: %s\n", v)
		return nil
	},
}
