package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/ptybridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <address>",
	Short: "Bridge a BLE characteristic to a pseudo-terminal",
	Long: `Connect to a device, subscribe to a characteristic and expose the
session as a PTY. Serial tools (screen, minicom, picocom) and scripts can
then talk to the device as if it were a local serial port.

Without --service/--char the first characteristic supporting both
notifications and writes is used. Use --symlink to get a stable device path.`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeService     string
	bridgeChar        string
	bridgeSymlink     string
	bridgeBufferSize  int
	bridgeScanTimeout time.Duration
)

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeService, "service", "s", "", "Service UUID")
	bridgeCmd.Flags().StringVarP(&bridgeChar, "char", "c", "", "Characteristic UUID")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a stable symlink to the PTY slave at this path")
	bridgeCmd.Flags().IntVar(&bridgeBufferSize, "buffer", 0, "Outbound ring buffer size in bytes (0 for default)")
	bridgeCmd.Flags().DurationVar(&bridgeScanTimeout, "scan-timeout", 15*time.Second, "How long to scan for the device before giving up")
	bridgeCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runBridge(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	eng, cleanup, err := newSession(cmd, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, shutting down bridge...")
		cancel()
	}()

	if err := discoverAndConnect(ctx, eng, address, bridgeScanTimeout); err != nil {
		return err
	}
	defer func() {
		if err := eng.Disconnect(address); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
	}()

	svcUUID, charUUID, err := resolveConsoleTarget(eng, address, bridgeService, bridgeChar)
	if err != nil {
		return err
	}

	eng.SelectCharacteristic(address, svcUUID, charUUID)
	if err := eng.Subscribe(address, svcUUID, charUUID); err != nil {
		return err
	}

	err = ptybridge.Run(ctx, eng, ptybridge.Options{
		DeviceID:        address,
		ServiceUUID:     svcUUID,
		CharUUID:        charUUID,
		Logger:          logger,
		WriteBufferSize: bridgeBufferSize,
		SymlinkPath:     bridgeSymlink,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
