// Package ptybridge exposes a connected device's console session as a
// pseudo-terminal, so serial-oriented tools (screen, minicom, scripts) can
// talk to a BLE characteristic through the engine's framing and settings.
package ptybridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/term"

	"github.com/srg/bleterm/internal/engine"
)

const (
	// DefaultWriteBufferSize is the default capacity, in bytes, of the ring
	// buffer between the PTY reader and the BLE writer.
	DefaultWriteBufferSize = 4096

	// maxChunk bounds a single characteristic write; conservative for the
	// common 247-byte MTU.
	maxChunk = 244

	drainInterval = 10 * time.Millisecond
)

// Options configures a bridge run
type Options struct {
	DeviceID        string
	ServiceUUID     string
	CharUUID        string
	Logger          *logrus.Logger
	WriteBufferSize int    // 0 = DefaultWriteBufferSize
	SymlinkPath     string // optional stable path to the PTY slave
}

// Bridge is a running PTY bridge
type Bridge struct {
	eng    *engine.Engine
	opts   Options
	logger *logrus.Logger

	master *os.File
	slave  *os.File
	buf    *ringbuffer.RingBuffer

	closeOnce sync.Once
	done      chan struct{}
}

// TTYName returns the slave device path external tools should open
func (b *Bridge) TTYName() string {
	return b.slave.Name()
}

// Run opens the PTY, wires both directions and blocks until ctx ends or the
// PTY is torn down. The device must already be connected and the target
// characteristic subscribed; Run only moves bytes.
func Run(ctx context.Context, eng *engine.Engine, opts Options) error {
	if opts.DeviceID == "" || opts.ServiceUUID == "" || opts.CharUUID == "" {
		return fmt.Errorf("device, service and characteristic are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultWriteBufferSize
	}

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("failed to open pty: %w", err)
	}

	b := &Bridge{
		eng:    eng,
		opts:   opts,
		logger: logger,
		master: master,
		slave:  slave,
		buf:    ringbuffer.New(opts.WriteBufferSize),
		done:   make(chan struct{}),
	}
	defer b.close()

	// Raw mode so the line discipline passes bytes through untouched
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fmt.Errorf("failed to set pty raw mode: %w", err)
	}

	if opts.SymlinkPath != "" {
		if err := os.Symlink(slave.Name(), opts.SymlinkPath); err != nil {
			return fmt.Errorf("failed to create tty symlink %s: %w", opts.SymlinkPath, err)
		}
		defer func() {
			if err := os.Remove(opts.SymlinkPath); err != nil {
				logger.WithError(err).Warn("Failed to remove tty symlink")
			}
		}()
		logger.WithFields(logrus.Fields{
			"ttySymlink": opts.SymlinkPath,
			"target":     slave.Name(),
		}).Info("Created PTY symlink")
	}

	logger.WithField("tty", slave.Name()).Info("PTY bridge running")

	go b.pumpPTYReads()
	go b.drainToDevice(ctx)
	go b.pumpDeviceToPTY(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

func (b *Bridge) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.master.Close()
		_ = b.slave.Close()
	})
}

// pumpPTYReads moves bytes from the PTY master into the outbound ring
// buffer. When the buffer is full the excess input is dropped; a stalled BLE
// link must not wedge the PTY.
func (b *Bridge) pumpPTYReads() {
	chunk := make([]byte, 256)
	for {
		n, err := b.master.Read(chunk)
		if err != nil {
			b.close()
			return
		}
		data := chunk[:n]
		for len(data) > 0 {
			written, werr := b.buf.Write(data)
			data = data[written:]
			if werr != nil {
				if errors.Is(werr, ringbuffer.ErrIsFull) {
					b.logger.WithField("dropped", len(data)).Warn("PTY write buffer full, dropping input")
				} else {
					b.logger.WithError(werr).Warn("PTY write buffer error")
				}
				break
			}
		}
	}
}

// drainToDevice periodically flushes the ring buffer to the device in
// MTU-sized frames through the engine's raw write path
func (b *Bridge) drainToDevice(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	chunk := make([]byte, maxChunk)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			for {
				n, err := b.buf.Read(chunk)
				if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
					break
				}
				if err != nil {
					b.logger.WithError(err).Warn("Failed to drain PTY buffer")
					break
				}
				if werr := b.eng.WriteBytes(b.opts.DeviceID, b.opts.ServiceUUID, b.opts.CharUUID, chunk[:n]); werr != nil {
					b.logger.WithError(werr).Warn("Bridge write failed")
				}
			}
		}
	}
}

// pumpDeviceToPTY forwards inbound console messages for the bridged
// characteristic to the PTY
func (b *Bridge) pumpDeviceToPTY(ctx context.Context) {
	feed := b.eng.ConsoleFeed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case entry, ok := <-feed:
			if !ok {
				b.close()
				return
			}
			if entry.Direction != engine.DirectionIn ||
				entry.DeviceID != b.opts.DeviceID ||
				entry.ServiceUUID != b.opts.ServiceUUID ||
				entry.CharUUID != b.opts.CharUUID {
				continue
			}
			if _, err := b.master.Write(entry.Raw); err != nil {
				b.logger.WithError(err).Warn("Failed to write to PTY")
				b.close()
				return
			}
		}
	}
}
