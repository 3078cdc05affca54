package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/settings"
	"github.com/srg/bleterm/internal/transport/goble"
)

const discoverPollInterval = 100 * time.Millisecond

// newSession builds the engine over the real BLE adapter and the per-user
// settings store. The returned cleanup closes the engine and, when
// --debug-actions is set, dumps the action history to stdout.
func newSession(cmd *cobra.Command, logger *logrus.Logger) (*engine.Engine, func(), error) {
	path, err := settings.DefaultStorePath()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}
	store, err := settings.OpenFileStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	eng := engine.New(goble.New(logger), store, logger)

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Warn("Engine close failed")
		}
		if dump, _ := cmd.Flags().GetBool("debug-actions"); dump {
			for _, a := range eng.ActionLog() {
				fmt.Printf("%s %-20s %-20s %s\n", a.At.Format("15:04:05.000"), a.Kind, a.DeviceID, a.Detail)
			}
		}
	}
	return eng, cleanup, nil
}

// discoverAndConnect scans until the device advertises, then connects to it.
// A device that is already in the registry skips the scan entirely.
func discoverAndConnect(ctx context.Context, eng *engine.Engine, address string, scanTimeout time.Duration) error {
	if _, ok := eng.Device(address); !ok {
		scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		scanDone := make(chan error, 1)
		go func() {
			scanDone <- eng.Scan(scanCtx)
		}()

		ticker := time.NewTicker(discoverPollInterval)
		defer ticker.Stop()

	wait:
		for {
			select {
			case <-scanCtx.Done():
				break wait
			case err := <-scanDone:
				// Scan ended early; a real failure is worth reporting over
				// the generic not-found below
				if err != nil && scanCtx.Err() == nil {
					return err
				}
				break wait
			case <-ticker.C:
				if _, ok := eng.Device(address); ok {
					break wait
				}
			}
		}
		cancel()

		if _, ok := eng.Device(address); !ok {
			return fmt.Errorf("device %s not found within %s", address, scanTimeout)
		}
	}

	return eng.Connect(ctx, address)
}
