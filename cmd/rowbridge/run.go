package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rowbridge/internal/ble"
	"github.com/chaz8081/rowbridge/internal/config"
	"github.com/chaz8081/rowbridge/internal/fit"
	"github.com/chaz8081/rowbridge/internal/ftms"
	"github.com/chaz8081/rowbridge/internal/metrics"
	"github.com/chaz8081/rowbridge/internal/rower"
	"github.com/chaz8081/rowbridge/internal/session"
	"github.com/chaz8081/rowbridge/internal/store"
	"github.com/chaz8081/rowbridge/internal/telemetry"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the ergometer and bridge it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			printBanner(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg)
		},
	}
}

// runBridge records one session: it lasts until ctx ends or the ergometer
// disconnects.
func runBridge(ctx context.Context, cfg *config.Config) error {
	radio := ble.NewRadio()
	central := ble.NewCentralAdapter(radio)

	address := cfg.Rower.Address
	if address == "" {
		devices, err := scanErgometers(ctx, central, cfg.Rower.ScanTimeout)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if len(devices) == 0 {
			return errors.New("no ergometer found; is it powered on?")
		}
		address = devices[0].MAC
		slog.Info("[ROWER] using ergometer", "address", address, "name", devices[0].Name, "rssi", devices[0].RSSI)
	}

	profile, err := ftms.ParseMachineProfile(cfg.FTMS.Profile)
	if err != nil {
		return err
	}

	var emulator *ftms.Emulator
	if cfg.FTMS.Enabled {
		emulator = ftms.NewEmulator(ble.NewTinyGoPeripheral(radio), ftms.Options{
			Profile:      profile,
			DeviceName:   cfg.FTMS.DeviceName,
			Manufacturer: cfg.FTMS.Manufacturer,
			Serial:       cfg.FTMS.Serial,
			Bike:         ftms.BikeMapping{SpeedPerSPM: cfg.FTMS.BikeSpeedPerSPM, CadenceRatio: cfg.FTMS.CadenceRatio},
		})
		if err := emulator.Start(); err != nil {
			// Advertising failure is terminal for the emulator only.
			slog.Error("[FTMS] emulator not started", "error", err, "status", emulator.Status())
		}
		defer func() {
			if err := emulator.Stop(); err != nil {
				slog.Warn("[FTMS] stop", "error", err)
			}
		}()
	}

	link := rower.NewLink(central, address, rower.LinkOptions{
		HandshakeInterval: cfg.Rower.HandshakeInterval,
		KeepAliveInterval: cfg.Rower.KeepAliveInterval,
	})

	if cfg.Telemetry.Enabled {
		fanout := telemetry.NewFanout(telemetry.NewMQTTBroker(telemetry.MQTTOptions{
			URI:      cfg.Telemetry.Broker,
			ClientID: cfg.Telemetry.ClientID,
			Username: cfg.Telemetry.Username,
			Password: cfg.Telemetry.Password,
		}), telemetry.Options{
			Topic:       cfg.Telemetry.Topic,
			Encoding:    metrics.Encoding(cfg.Telemetry.Encoding),
			Delays:      cfg.Telemetry.Delays,
			MaxAttempts: cfg.Telemetry.MaxAttempts,
		})
		fanout.Enable()
		defer fanout.Disable()

		published, cancel := link.Subscribe(64)
		defer cancel()
		go fanout.Run(ctx, published)
	}

	controller, closeStore, err := newController(ctx, cfg, profile)
	if err != nil {
		return err
	}
	defer closeStore()

	handle, err := controller.Start(ctx)
	if err != nil {
		return err
	}
	frames, cancel := link.Subscribe(64)
	defer cancel()

	if err := link.Start(ctx); err != nil {
		_, _ = controller.End(context.Background(), handle)
		return err
	}
	done := link.Done()

	slog.Info("Ready! Start rowing. Ctrl+C to finish the session.")
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down...")
			break loop
		case <-done:
			slog.Warn("[ROWER] link ended", "state", link.State())
			break loop
		case m := <-frames:
			if emulator != nil {
				emulator.Update(m)
			}
			if err := controller.Record(ctx, handle, m); err != nil {
				slog.Warn("[SESSION] record", "error", err)
			}
		}
	}

	link.Stop()
	s, err := controller.End(context.Background(), handle)
	if s != nil {
		fmt.Printf("Session %s: %s, %v m, %v strokes, %v kcal\n",
			s.ID, s.Duration().Round(time.Second), s.TotalDistance, s.TotalStrokes, s.TotalCalories)
	}
	return err
}

// newController builds the session controller with its file sink and, when
// configured, the SQLite store. The returned func closes the store.
func newController(ctx context.Context, cfg *config.Config, profile ftms.MachineProfile) (*session.Controller, func(), error) {
	compression, err := store.ParseCompression(cfg.Session.Compression)
	if err != nil {
		return nil, nil, err
	}
	sink, err := store.NewFileSink(cfg.Session.ActivityDir, compression)
	if err != nil {
		return nil, nil, err
	}

	opts := session.DefaultOptions()
	opts.RecordInterval = cfg.Session.RecordInterval
	if profile == ftms.Bike {
		opts.Sport = fit.SportCycling
	}

	if cfg.Session.Database == "" {
		return session.NewController(sink, nil, opts), func() {}, nil
	}
	db, err := store.OpenSQLite(ctx, cfg.Session.Database)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			slog.Warn("[STORE] close", "error", err)
		}
	}
	return session.NewController(sink, db, opts), closeDB, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	address := cfg.Rower.Address
	if address == "" {
		address = "(scan)"
	}
	telemetryState := "disabled"
	if cfg.Telemetry.Enabled {
		telemetryState = fmt.Sprintf("%s -> %s (%s)", cfg.Telemetry.Broker, cfg.Telemetry.Topic, cfg.Telemetry.Encoding)
	}
	ftmsState := "disabled"
	if cfg.FTMS.Enabled {
		ftmsState = fmt.Sprintf("%s as %q", cfg.FTMS.Profile, cfg.FTMS.DeviceName)
	}

	fmt.Println("=== rowbridge ===")
	fmt.Printf("  Rower:     %s\n", address)
	fmt.Printf("  FTMS:      %s\n", ftmsState)
	fmt.Printf("  MQTT:      %s\n", telemetryState)
	fmt.Printf("  Sessions:  %s (every %s)\n", cfg.Session.ActivityDir, cfg.Session.RecordInterval)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
