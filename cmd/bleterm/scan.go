package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/registry"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values and
connection state. Results are sorted with connected devices first, then by
signal strength.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanQuery    string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanQuery, "query", "q", "", "Filter devices by name or address substring")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	eng, cleanup, err := newSession(cmd, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	baseCtx := context.Background()
	if scanDuration > 0 && !scanWatch {
		var cancelTimeout context.CancelFunc
		baseCtx, cancelTimeout = context.WithTimeout(baseCtx, scanDuration)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	if scanWatch {
		return runWatchScan(ctx, eng)
	}

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", scanDuration)
	progress.Start()
	err = eng.Scan(ctx)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return displayDevices(eng.Devices(scanQuery))
}

// runWatchScan redraws the device table periodically while a background scan
// keeps feeding the registry
func runWatchScan(ctx context.Context, eng *engine.Engine) error {
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- eng.Scan(ctx)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return displayDevices(eng.Devices(scanQuery))
		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return displayDevices(eng.Devices(scanQuery))
		case <-ticker.C:
			clearScreen()
			_ = displayDevices(eng.Devices(scanQuery))
		}
	}
}

func displayDevices(devices []registry.Device) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSTATE\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		lastSeen := time.Since(dev.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address, dev.RSSI, dev.ConnectionStatus, lastSeen)
	}
	return w.Flush()
}

func clearScreen() {
	var w io.Writer = os.Stdout
	fmt.Fprint(w, "\033[2J\033[H")
}
