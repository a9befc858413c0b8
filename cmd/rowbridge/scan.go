package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rowbridge/internal/ble"
	"github.com/chaz8081/rowbridge/internal/rower"
)

func newScanCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby ergometers advertising the R50 service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Rower.ScanTimeout
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", timeout)
			devices, err := scanErgometers(ctx, ble.NewCentralAdapter(ble.NewRadio()), timeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ergometers found.")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-40s %-20q RSSI %d\n", d.MAC, d.Name, d.RSSI)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Set rower.address in the config to pin one.")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: rower.scan_timeout)")
	return cmd
}

// scanErgometers lists ergometers advertising the vendor service, strongest
// signal first.
func scanErgometers(ctx context.Context, adapter ble.Adapter, timeout time.Duration) ([]ble.Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, rower.ServiceUUID)
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
