package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/settings"
	"github.com/srg/bleterm/internal/transport"
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console <address>",
	Short: "Open an interactive console on a BLE characteristic",
	Long: `Connect to a device and open a serial-style console on one of its
characteristics. Incoming notifications are decoded with the device's display
format and framing settings; typed lines are encoded with the send format and
framed before writing.

Without --service/--char the first characteristic supporting both
notifications and writes is used (e.g. Nordic UART RX/TX pairs).

Console commands:
  /read            read the characteristic value on demand
  /hex /utf8 /ascii  switch the display format
  /clear           clear this device's console history
  /quit            disconnect and exit`,
	Args: cobra.ExactArgs(1),
	RunE: runConsole,
}

var (
	consoleService     string
	consoleChar        string
	consoleScanTimeout time.Duration
	consoleSendFormat  string
	consoleDispFormat  string
	consoleTxDelim     string
	consoleTxStart     string
	consoleRxDelim     string
	consoleRxStart     string
)

func init() {
	consoleCmd.Flags().StringVarP(&consoleService, "service", "s", "", "Service UUID")
	consoleCmd.Flags().StringVarP(&consoleChar, "char", "c", "", "Characteristic UUID")
	consoleCmd.Flags().DurationVar(&consoleScanTimeout, "scan-timeout", 15*time.Second, "How long to scan for the device before giving up")
	consoleCmd.Flags().StringVar(&consoleSendFormat, "send-format", "", "Send format (hex, utf8, ascii)")
	consoleCmd.Flags().StringVar(&consoleDispFormat, "display-format", "", "Display format (hex, utf8, ascii)")
	consoleCmd.Flags().StringVar(&consoleTxDelim, "delimiter", "", `Outgoing frame delimiter pattern (e.g. '\n' or '\x03')`)
	consoleCmd.Flags().StringVar(&consoleTxStart, "start", "", "Outgoing frame start pattern")
	consoleCmd.Flags().StringVar(&consoleRxDelim, "rx-delimiter", "", "Incoming message delimiter pattern")
	consoleCmd.Flags().StringVar(&consoleRxStart, "rx-start", "", "Incoming message start pattern")
	consoleCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runConsole(cmd *cobra.Command, args []string) error {
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
		cancel()
	}()

	progress := NewProgressPrinter("Connecting to " + address)
	progress.Start()
	err = discoverAndConnect(ctx, eng, address, consoleScanTimeout)
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Disconnect(address); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
	}()

	svcUUID, charUUID, err := resolveConsoleTarget(eng, address, consoleService, consoleChar)
	if err != nil {
		return err
	}

	if err := applySettingsFlags(eng, address); err != nil {
		return err
	}

	eng.SelectCharacteristic(address, svcUUID, charUUID)
	if err := eng.Subscribe(address, svcUUID, charUUID); err != nil {
		return err
	}
	defer func() {
		if err := eng.Unsubscribe(address, svcUUID, charUUID); err != nil {
			logger.WithError(err).Warn("Unsubscribe failed")
		}
	}()

	s := eng.DeviceSettings(address)
	fmt.Printf("Connected to %s (%s:%s)\n", address, svcUUID, charUUID)
	fmt.Printf("send=%s display=%s - /quit to exit\n\n", s.SendFormat, s.DisplayFormat)

	go printConsoleFeed(ctx, eng, address)

	return consoleInputLoop(ctx, cancel, eng, address, svcUUID, charUUID)
}

// normalizeUUID matches the transport's canonical UUID form: lowercase,
// no dashes
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// resolveConsoleTarget picks the characteristic to attach a console to.
// Explicit service/char values win; otherwise the first characteristic
// that can both notify (or indicate) and be written is chosen, iterating
// services in sorted UUID order for determinism.
func resolveConsoleTarget(eng *engine.Engine, address, service, char string) (string, string, error) {
	conn, ok := eng.Connection(address)
	if !ok {
		return "", "", transport.ErrNotConnected
	}

	if service != "" && char != "" {
		svc, ok := conn.Services[normalizeUUID(service)]
		if !ok {
			return "", "", fmt.Errorf("service %s not found on device", service)
		}
		c, ok := svc.Characteristics[normalizeUUID(char)]
		if !ok {
			return "", "", fmt.Errorf("characteristic %s not found in service %s", char, service)
		}
		return svc.UUID, c.UUID, nil
	}
	if service != "" || char != "" {
		return "", "", fmt.Errorf("--service and --char must be given together")
	}

	svcUUIDs := make([]string, 0, len(conn.Services))
	for uuid := range conn.Services {
		svcUUIDs = append(svcUUIDs, uuid)
	}
	sort.Strings(svcUUIDs)

	for _, svcUUID := range svcUUIDs {
		svc := conn.Services[svcUUID]
		charUUIDs := make([]string, 0, len(svc.Characteristics))
		for uuid := range svc.Characteristics {
			charUUIDs = append(charUUIDs, uuid)
		}
		sort.Strings(charUUIDs)

		for _, charUUID := range charUUIDs {
			caps := svc.Characteristics[charUUID].Capabilities
			canHear := caps.Notify || caps.Indicate
			canTalk := caps.Write || caps.WriteNoResp
			if canHear && canTalk {
				return svcUUID, charUUID, nil
			}
		}
	}
	return "", "", fmt.Errorf("no characteristic supports both notify and write - specify --service and --char")
}

// applySettingsFlags persists any codec/framing overrides given on the
// command line into the device's settings
func applySettingsFlags(eng *engine.Engine, address string) error {
	flagsSet := consoleSendFormat != "" || consoleDispFormat != "" ||
		consoleTxDelim != "" || consoleTxStart != "" ||
		consoleRxDelim != "" || consoleRxStart != ""
	if !flagsSet {
		return nil
	}

	for _, f := range []string{consoleSendFormat, consoleDispFormat} {
		switch f {
		case "", "hex", "utf8", "ascii":
		default:
			return fmt.Errorf("invalid format '%s': must be one of [hex utf8 ascii]", f)
		}
	}

	_, err := eng.UpdateDeviceSettings(address, func(s *settings.DeviceSettings) {
		if consoleSendFormat != "" {
			s.SendFormat = codec.Format(consoleSendFormat)
		}
		if consoleDispFormat != "" {
			s.DisplayFormat = codec.Format(consoleDispFormat)
		}
		if consoleTxDelim != "" {
			s.MessageDelimiter = consoleTxDelim
		}
		if consoleTxStart != "" {
			s.MessageStart = consoleTxStart
		}
		if consoleRxDelim != "" {
			s.RxDelimiter = consoleRxDelim
			s.SplitFraming = true
		}
		if consoleRxStart != "" {
			s.RxStart = consoleRxStart
			s.SplitFraming = true
		}
	})
	return err
}

// printConsoleFeed renders live console entries for the device until ctx ends
func printConsoleFeed(ctx context.Context, eng *engine.Engine, address string) {
	in := color.New(color.FgCyan)
	out := color.New(color.FgGreen)

	feed := eng.ConsoleFeed()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-feed:
			if !ok {
				return
			}
			if entry.DeviceID != address {
				continue
			}
			stamp := entry.Timestamp.Format("15:04:05.000")
			if entry.Direction == engine.DirectionIn {
				in.Printf("%s ◀ %s\n", stamp, entry.Text())
			} else {
				out.Printf("%s ▶ %s\n", stamp, entry.Text())
			}
		}
	}
}

func consoleInputLoop(ctx context.Context, cancel context.CancelFunc, eng *engine.Engine, address, svcUUID, charUUID string) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				cancel()
				return nil
			case "/clear":
				eng.ClearConsole(address)
			case "/read":
				if _, err := eng.Read(address, svcUUID, charUUID); err != nil {
					fmt.Fprintf(os.Stderr, "read failed: %s\n", FormatUserError(err))
				}
			case "/hex", "/utf8", "/ascii":
				format := codec.Format(strings.TrimPrefix(strings.TrimSpace(line), "/"))
				if _, err := eng.UpdateDeviceSettings(address, func(s *settings.DeviceSettings) {
					s.DisplayFormat = format
				}); err != nil {
					fmt.Fprintf(os.Stderr, "settings update failed: %s\n", FormatUserError(err))
				}
			case "":
				// Ignore empty lines
			default:
				if err := eng.Write(address, svcUUID, charUUID, line); err != nil {
					fmt.Fprintf(os.Stderr, "write failed: %s\n", FormatUserError(err))
				}
			}
		}
	}
}
