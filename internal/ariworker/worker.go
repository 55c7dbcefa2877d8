// Package ariworker is the long-running supervisor: it connects the
// Stasis event socket, decodes frames, dispatches them to the call
// service, and reconnects with backoff on any connection loss.
package ariworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/flowpbx/ari-worker/internal/ariconfig"
	"github.com/flowpbx/ari-worker/internal/ariparser"
)

// Dispatcher is the subset of callservice.Service the loop drives.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev ariparser.ParsedEvent)
}

// Run connects to the Stasis event socket and dispatches every decoded
// frame to dispatcher until ctx is cancelled. A lost connection is
// retried with backoff based on cfg.ReconnectDelay; a single bad frame
// is logged and skipped, never fatal.
func Run(ctx context.Context, cfg *ariconfig.Config, dispatcher Dispatcher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ari_worker")

	b := &backoff.Backoff{
		Min:    cfg.ReconnectDelay,
		Max:    cfg.ReconnectDelay * 10,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := runOnce(ctx, cfg, dispatcher, logger)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d := b.Duration()
			logger.Error("event socket connection lost", "error", err, "retry_in", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		b.Reset()
	}
}

// runOnce dials the event socket once and reads frames until the
// connection drops or ctx is cancelled.
func runOnce(ctx context.Context, cfg *ariconfig.Config, dispatcher Dispatcher, logger *slog.Logger) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.EventsURL(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dialing event socket: %w", err)
	}
	defer conn.Close()
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
	}

	logger.Info("event socket connected")

	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
			close(done)
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return fmt.Errorf("reading event frame: %w", err)
		}

		ev := ariparser.Parse(raw)
		if ev.EType == "" {
			logger.Warn("dropping unrecognized event frame")
			continue
		}
		dispatcher.HandleEvent(ctx, ev)
	}
}
