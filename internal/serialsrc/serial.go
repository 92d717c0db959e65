// Package serialsrc reads sensor readings from a locally attached board
// that prints one JSON object per line.
package serialsrc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"envmon/internal/telemetry"
)

const (
	defaultBaud   = 115200
	reopenBackoff = 2 * time.Second
	maxLine       = 4096
)

// Config holds serial port settings.
type Config struct {
	Port string
	Baud int
	// Topic is stamped on every message so the core routes it as data.
	Topic string
}

// Deliverer accepts messages without blocking.
type Deliverer interface {
	Deliver(msg telemetry.Message) bool
}

// Source feeds lines from a serial port into a Deliverer.
type Source struct {
	cfg    Config
	sink   Deliverer
	logger *slog.Logger
}

// New creates a serial source.
func New(cfg Config, sink Deliverer, logger *slog.Logger) *Source {
	if cfg.Baud <= 0 {
		cfg.Baud = defaultBaud
	}
	return &Source{cfg: cfg, sink: sink, logger: logger.With("component", "serial")}
}

// Run opens the port and reads until ctx is cancelled. A lost or missing
// device is reopened after a short backoff.
func (s *Source) Run(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	for attempt := 1; ; attempt++ {
		port, err := serial.Open(s.cfg.Port, mode)
		if err != nil {
			s.logger.Debug("waiting for serial device", "port", s.cfg.Port, "attempt", attempt, "err", err)
		} else {
			attempt = 0
			s.logger.Info("serial port open", "port", s.cfg.Port, "baud", s.cfg.Baud)
			err = s.readPort(ctx, port)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("serial read stopped", "port", s.cfg.Port, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reopenBackoff):
		}
	}
}

func (s *Source) readPort(ctx context.Context, port serial.Port) error {
	// USB CDC ACM boards only transmit once DTR is asserted.
	_ = port.SetDTR(true)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()

	return ReadLines(ctx, port, s.cfg.Topic, s.sink, s.logger)
}

// ReadLines delivers every line of r that looks like a JSON object as a
// message on topic. Other lines, such as boot banners, are skipped.
func ReadLines(ctx context.Context, r io.Reader, topic string, sink Deliverer, logger *slog.Logger) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 512), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			logger.Debug("skipping non-JSON serial line", "line", string(line))
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		sink.Deliver(telemetry.Message{Topic: topic, Payload: payload, ArrivedAt: time.Now()})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return io.EOF
}
