package runspace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/cryguy/runspace/internal/core"
)

const (
	maxSignalMessageBytes = 1 << 20
	signalPingInterval    = 30 * time.Second
	signalWriteTimeout    = 10 * time.Second
)

// SignalOptions tunes a signal route.
type SignalOptions struct {
	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string
	// IdleTimeout closes connections with no inbound message for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

type signalMessage struct {
	typ  websocket.MessageType
	data []byte
}

// Signal mounts a WebSocket route at pattern. Each inbound message checks
// out a runspace of its own, runs src with the message text bound to Data
// and sends back any non-empty output. The runspace is released before the
// next message is read, so a long-lived connection holds no pool capacity
// between messages.
func (rt *Router) Signal(pattern string, src core.Source, opts SignalOptions) {
	if src.Name == "" {
		src.Name = pattern
	}
	rt.mux.Handle(pattern, rt.wrap(rt.host.SignalHandler(src, opts)))
}

// SignalHandler upgrades the request and serves it as described on
// Router.Signal.
func (h *Host) SignalHandler(src core.Source, opts SignalOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			h.log.Warn("websocket upgrade failed", "path", r.URL.Path, "err", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxSignalMessageBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		status, reason := h.bridge(ctx, conn, r, src, opts)
		conn.Close(status, reason)
	})
}

func (h *Host) bridge(ctx context.Context, conn *websocket.Conn, r *http.Request, src core.Source, opts SignalOptions) (websocket.StatusCode, string) {
	incoming := make(chan signalMessage, 16)
	go func() {
		defer close(incoming)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case incoming <- signalMessage{typ: typ, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(signalPingInterval)
	defer ping.Stop()
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(opts.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return websocket.StatusNormalClosure, ""
			}
			if idleTimer != nil {
				idleTimer.Reset(opts.IdleTimeout)
			}
			if err := h.handleSignal(ctx, conn, r, src, msg); err != nil {
				if errors.Is(err, core.ErrPoolDisposed) {
					return websocket.StatusGoingAway, "server shutting down"
				}
				if errors.Is(err, core.ErrOperationCanceled) {
					return websocket.StatusNormalClosure, ""
				}
				return websocket.StatusInternalError, "script failed"
			}

		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return websocket.StatusGoingAway, ""
			}

		case <-idle:
			return websocket.StatusNormalClosure, "idle timeout"

		case <-ctx.Done():
			return websocket.StatusGoingAway, ""
		}
	}
}

// handleSignal runs src for one message. Exhaustion and script errors are
// reported to the peer and keep the connection open.
func (h *Host) handleSignal(ctx context.Context, conn *websocket.Conn, r *http.Request, src core.Source, msg signalMessage) error {
	out, resp, err := h.Exec(ctx, r, src, BuildOptions{Args: map[string]any{core.VarData: string(msg.data)}})
	if errors.Is(err, core.ErrPoolExhausted) {
		h.logf(func(l *log.Logger) {
			l.Warn("no runspace for signal message", "script", src.Name)
		})
		return h.send(ctx, conn, websocket.MessageText, []byte(`{"error":"busy"}`))
	}
	if isScriptError(err) && !errors.Is(err, core.ErrOperationCanceled) {
		h.logf(func(l *log.Logger) {
			l.Warn("signal script failed", "script", src.Name, "err", err)
		})
		return h.send(ctx, conn, websocket.MessageText, []byte(`{"error":"script failed"}`))
	}
	if err != nil {
		return err
	}

	typ := msg.typ
	var payload []byte
	if resp != nil && resp.Len() > 0 {
		payload = resp.Body()
	} else {
		switch v := out.(type) {
		case nil:
		case string:
			payload = []byte(v)
			typ = websocket.MessageText
		case []byte:
			payload = v
			typ = websocket.MessageBinary
		default:
			payload, err = json.Marshal(v)
			if err != nil {
				return err
			}
			typ = websocket.MessageText
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return h.send(ctx, conn, typ, payload)
}

func isScriptError(err error) bool {
	var (
		rerr *core.RuntimeError
		cerr *core.CompilationError
	)
	return errors.As(err, &rerr) || errors.As(err, &cerr)
}

func (h *Host) send(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, signalWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, typ, data)
}
