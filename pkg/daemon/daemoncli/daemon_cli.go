// Package daemoncli is the cobra command surface of rodentd.
package daemoncli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devicedb"
	"github.com/rodentd/rodentd/internal/virtualhid"
	"github.com/rodentd/rodentd/pkg/daemon"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type daemonProvider func() *daemon.Daemon

func NewRootCmd() *cobra.Command {
	cfg := daemon.Config{
		DataDir:     "/var/lib/rodentd",
		DeviceDBDir: "/usr/share/rodentd/devices",
		ConfigFile:  "/etc/rodentd/rodentd.yml",
	}
	if dir, err := os.UserConfigDir(); err == nil && os.Geteuid() != 0 {
		cfg.DataDir = filepath.Join(dir, "rodentd", "data")
		cfg.ConfigFile = filepath.Join(dir, "rodentd", "rodentd.yml")
	}

	rootCmd := &cobra.Command{
		Use:   "rodentd",
		Short: "Configuration daemon for gaming mice",
		Long:  `rodentd discovers supported gaming mice over hidraw and exposes their profiles, resolutions, buttons and LEDs through a versioned object tree.`,
	}
	var d *daemon.Daemon
	provider := func() *daemon.Daemon {
		return d
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DeviceDBDir, "device-db", cfg.DeviceDBDir, "device database directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "daemon config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		d, err = daemon.New(cfg)
		return err
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewLookup(provider))
	rootCmd.AddCommand(NewSimulateDevice())
	return rootCmd
}

func NewRun(provider daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := provider()
			defer d.Close()
			return d.Run(cmd.Context())
		},
	}
}

func NewListDevices(provider daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List devices the daemon has seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := provider().Supervisor().ListKnownDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewLookup(provider daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <bus:vid:pid>",
		Short: "Resolve a device identity against the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: lookup <bus:vid:pid>")
			}
			match, err := devicedb.ParseMatch(args[0])
			if err != nil {
				return err
			}
			entry := provider().DeviceDB().Lookup(match.Bus, match.Vendor, match.Product, "")
			if entry == nil {
				return fmt.Errorf("no database entry for %s", args[0])
			}
			jsonB, err := json.MarshalIndent(map[string]any{
				"name":   entry.Name,
				"driver": entry.Driver,
				"type":   entry.Type,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

// NewSimulateDevice creates a kernel-backed virtual mouse so discovery can
// be exercised without hardware. Runs until interrupted.
func NewSimulateDevice() *cobra.Command {
	var vendor, product string
	cmd := &cobra.Command{
		Use:   "simulate-device",
		Short: "Create a virtual mouse via /dev/uhid",
		RunE: func(cmd *cobra.Command, args []string) error {
			vid, err := strconv.ParseUint(vendor, 16, 16)
			if err != nil {
				return fmt.Errorf("invalid vendor id %q: %w", vendor, err)
			}
			pid, err := strconv.ParseUint(product, 16, 16)
			if err != nil {
				return fmt.Errorf("invalid product id %q: %w", product, err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			dev, err := virtualhid.Create(logger.Named("virtualhid"), "rodentd-sim", uint32(vid), uint32(pid), nil)
			if err != nil {
				return err
			}
			defer dev.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "virtual device created, ctrl-c to remove")
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "046d", "vendor id (hex)")
	cmd.Flags().StringVar(&product, "product", "c08b", "product id (hex)")
	return cmd
}
