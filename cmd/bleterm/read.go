package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/codec"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <address> <service-uuid> <char-uuid>",
	Short: "Read a characteristic value",
	Long: `Connect to a device, read one characteristic value, print it and
disconnect. The value is decoded with the device's display format unless
--format overrides it.`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readFormat      string
	readScanTimeout time.Duration
)

func init() {
	readCmd.Flags().StringVarP(&readFormat, "format", "f", "", "Display format override (hex, utf8, ascii)")
	readCmd.Flags().DurationVar(&readScanTimeout, "scan-timeout", 15*time.Second, "How long to scan for the device before giving up")
	readCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, svcUUID, charUUID := args[0], normalizeUUID(args[1]), normalizeUUID(args[2])

	switch readFormat {
	case "", "hex", "utf8", "ascii":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [hex utf8 ascii]", readFormat)
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

	ctx, cancel := context.WithTimeout(context.Background(), readScanTimeout+10*time.Second)
	defer cancel()

	if err := discoverAndConnect(ctx, eng, address, readScanTimeout); err != nil {
		return err
	}
	defer func() {
		if err := eng.Disconnect(address); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
	}()

	value, err := eng.Read(address, svcUUID, charUUID)
	if err != nil {
		return err
	}

	format := eng.DeviceSettings(address).DisplayFormat
	if readFormat != "" {
		format = codec.Format(readFormat)
	}
	fmt.Println(codec.DecodeForDisplay(value, format))
	return nil
}
