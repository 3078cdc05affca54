package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/settings"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <address> <service-uuid> <char-uuid> <data>",
	Short: "Write a value to a characteristic",
	Long: `Connect to a device, write one value to a characteristic and
disconnect. The data is encoded with the device's send format unless --format
overrides it, and framed with the device's message start/delimiter settings.

HEX input accepts spaced or unspaced digit pairs; an odd digit count is
padded according to the device's filler position setting.`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeFormat      string
	writeNoResponse  bool
	writeScanTimeout time.Duration
)

func init() {
	writeCmd.Flags().StringVarP(&writeFormat, "format", "f", "", "Send format override (hex, utf8, ascii)")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Use write-without-response when the characteristic supports it")
	writeCmd.Flags().DurationVar(&writeScanTimeout, "scan-timeout", 15*time.Second, "How long to scan for the device before giving up")
	writeCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, svcUUID, charUUID, data := args[0], normalizeUUID(args[1]), normalizeUUID(args[2]), args[3]

	switch writeFormat {
	case "", "hex", "utf8", "ascii":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [hex utf8 ascii]", writeFormat)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), writeScanTimeout+10*time.Second)
	defer cancel()

	if err := discoverAndConnect(ctx, eng, address, writeScanTimeout); err != nil {
		return err
	}
	defer func() {
		if err := eng.Disconnect(address); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
	}()

	if writeFormat != "" {
		if _, err := eng.UpdateDeviceSettings(address, func(s *settings.DeviceSettings) {
			s.SendFormat = codec.Format(writeFormat)
		}); err != nil {
			return err
		}
	}
	if writeNoResponse {
		eng.SetWriteMode(address, engine.WriteModeNoResp)
	}

	if err := eng.Write(address, svcUUID, charUUID, data); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}
