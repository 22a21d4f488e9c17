package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/parleyvoice/parley/pkg/direction"
	"github.com/parleyvoice/parley/pkg/errorsx"
	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/wire"
)

// sessionConfig is the per-connection configuration fixed by the first
// session.update. It is written once from the client loop and read by the
// upstream loop only after the upstream dial, which the write
// happens-before.
type sessionConfig struct {
	mode      wire.Mode
	languageA string
	languageB string
	model     string
}

// bridge serves one client connection: it owns the client socket, at most
// one upstream socket and the session configuration. No state is shared
// across bridges.
type bridge struct {
	upstreamCfg UpstreamConfig
	traceID     string
	logger      *slog.Logger
	obs         metrics.Observer
	frameObs    metrics.Observer

	client *websocket.Conn

	// sendMu guards sendCh against a send racing the close.
	sendMu sync.Mutex
	sendCh chan []byte
	closed atomic.Bool

	sess     *sessionConfig
	upstream *websocket.Conn
	rejected bool
}

func newBridge(upstreamCfg UpstreamConfig, traceID string, client *websocket.Conn, logger *slog.Logger) *bridge {
	b := &bridge{
		upstreamCfg: upstreamCfg,
		traceID:     traceID,
		logger:      logger,
		obs:         metrics.NoopObserver{},
		frameObs:    metrics.NoopObserver{},
		client:      client,
		sendCh:      make(chan []byte, 256),
	}
	go b.writeLoop()
	return b
}

// clientLoop reads client messages on the handler goroutine until the
// socket closes. All writes to the upstream socket happen here, so frame
// order is the receipt order.
func (b *bridge) clientLoop() {
	for {
		_, data, err := b.client.ReadMessage()
		if err != nil {
			break
		}
		b.handleClientMessage(data)
	}
	b.close()
}

func (b *bridge) handleClientMessage(data []byte) {
	if b.rejected {
		b.logger.Debug("message_after_rejection_dropped",
			slog.String("trace_id", b.traceID))
		return
	}

	msg, ok := wire.Decode(data)
	if !ok {
		b.sendToClient(wire.NewError("malformed message"))
		if b.sess == nil {
			b.rejected = true
		}
		return
	}

	if b.sess == nil {
		b.configure(msg, data)
		return
	}

	if msg.Type == wire.TypeSessionUpdate {
		b.sendToClient(wire.NewError("session already configured"))
		return
	}

	if b.upstream == nil {
		// Known soft-failure: frames racing the upstream handshake are
		// dropped rather than buffered.
		b.logger.Debug("upstream_not_open_dropping",
			slog.String("trace_id", b.traceID),
			slog.String("type", msg.Type))
		return
	}
	if err := b.upstream.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Warn("upstream_forward_failed",
			slog.String("trace_id", b.traceID),
			slog.String("error", err.Error()))
		return
	}
	b.frameObs.Record(metrics.New(metrics.EventFrameForwarded))
}

// configure handles the mandatory first message: validate it, open the
// upstream connection and forward the triggering session.update.
func (b *bridge) configure(msg wire.Message, raw []byte) {
	if msg.Type != wire.TypeSessionUpdate {
		b.logger.Warn("first_message_not_session_update",
			slog.String("trace_id", b.traceID),
			slog.String("type", msg.Type),
			slog.String("reason", string(errorsx.ReasonProtocolViolation)))
		b.sendToClient(wire.NewError("session.update must be the first message"))
		b.rejected = true
		b.obs.Record(metrics.New(metrics.EventSessionRejected).
			WithTag("reason", string(errorsx.ReasonProtocolViolation)))
		return
	}
	if err := wire.ValidateSessionUpdate(msg); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonProtocolViolation)
		b.logger.Warn("session_update_invalid",
			slog.String("trace_id", b.traceID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		b.sendToClient(wire.NewError("invalid session.update: " + err.Error()))
		b.rejected = true
		b.obs.Record(metrics.New(metrics.EventSessionRejected).
			WithTag("reason", string(errorsx.Reason(err))))
		return
	}
	if b.upstreamCfg.APIKey == "" {
		b.logger.Error("missing_upstream_credentials",
			slog.String("trace_id", b.traceID))
		b.sendToClient(wire.NewError("relay is not configured with upstream credentials"))
		b.closeClientSoon()
		return
	}

	model := msg.Model
	if model == "" {
		model = b.upstreamCfg.DefaultModel
	}
	b.sess = &sessionConfig{
		mode:      msg.Mode,
		languageA: msg.LanguageA,
		languageB: msg.LanguageB,
		model:     model,
	}

	conn, err := b.dialUpstream(model)
	if err != nil {
		b.obs.Record(metrics.New(metrics.EventHandshakeFailed).
			WithTag("reason", string(errorsx.Reason(err))))
		b.sendToClient(wire.NewError(err.Error()))
		b.closeClientSoon()
		return
	}
	b.upstream = conn
	b.obs.Record(metrics.New(metrics.EventSessionOpened).WithTag("mode", string(msg.Mode)))

	b.logger.Info("upstream_connected",
		slog.String("trace_id", b.traceID),
		slog.String("model", model),
		slog.String("mode", string(msg.Mode)))

	if err := b.upstream.WriteMessage(websocket.TextMessage, raw); err != nil {
		b.logger.Warn("session_update_forward_failed",
			slog.String("trace_id", b.traceID),
			slog.String("error", err.Error()))
	}
	go b.upstreamLoop()
}

func (b *bridge) dialUpstream(model string) (*websocket.Conn, error) {
	u, err := url.Parse(b.upstreamCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %v", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.upstreamCfg.handshakeTimeout(),
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.upstreamCfg.APIKey)

	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			_ = resp.Body.Close()
			b.logger.Error("upstream_handshake_failed",
				slog.String("trace_id", b.traceID),
				slog.Int("status", resp.StatusCode))
			return nil, errorsx.Wrap(
				fmt.Errorf("upstream handshake failed: %s: %s", resp.Status, string(body)),
				errorsx.ReasonUpstreamHandshake)
		}
		b.logger.Error("upstream_dial_failed",
			slog.String("trace_id", b.traceID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(fmt.Errorf("upstream unreachable: %v", err), errorsx.ReasonUpstreamHandshake)
	}
	return conn, nil
}

// upstreamLoop forwards provider events to the client, annotating completed
// transcripts on the way through.
func (b *bridge) upstreamLoop() {
	for {
		_, data, err := b.upstream.ReadMessage()
		if err != nil {
			b.handleUpstreamClosed(err)
			return
		}
		b.forwardUpstream(data)
	}
}

func (b *bridge) handleUpstreamClosed(err error) {
	if b.closed.Load() {
		return
	}
	var closeErr *websocket.CloseError
	if ce, ok := err.(*websocket.CloseError); ok {
		closeErr = ce
	}
	if closeErr != nil {
		reason := closeErr.Text
		if reason == "" {
			reason = fmt.Sprintf("upstream closed (%d)", closeErr.Code)
		}
		b.logger.Info("upstream_closed",
			slog.String("trace_id", b.traceID),
			slog.String("reason", reason))
		b.sendToClient(wire.NewFinished(reason))
		b.obs.Record(metrics.New(metrics.EventSessionFinished))
	} else {
		err = errorsx.Wrap(err, errorsx.ReasonUpstreamTransport)
		b.logger.Warn("upstream_transport_error",
			slog.String("trace_id", b.traceID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		b.sendToClient(wire.NewError("upstream transport error: " + err.Error()))
	}
	b.closeClientSoon()
}

// forwardUpstream relays one provider event to the client. Completed
// transcripts in auto_detect sessions are annotated with the resolved side
// and translation direction; everything else passes through untouched.
func (b *bridge) forwardUpstream(data []byte) {
	if b.sess.mode != wire.ModeAutoDetect {
		b.sendRaw(data)
		return
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		b.sendRaw(data)
		return
	}
	kind, _ := event["type"].(string)
	if kind != wire.TypeCompletedTranscript {
		b.sendRaw(data)
		return
	}

	detected, _ := event["language"].(string)
	decision := direction.Resolve(b.sess.languageA, b.sess.languageB, detected)
	event["side"] = string(decision.Side)
	event["source_language"] = decision.SourceLanguage
	event["target_language"] = decision.TargetLanguage
	event["mode"] = string(b.sess.mode)

	annotated, err := json.Marshal(event)
	if err != nil {
		b.sendRaw(data)
		return
	}
	b.sendRaw(annotated)
}

func (b *bridge) sendRaw(data []byte) {
	if !b.enqueue(data) {
		b.logger.Warn("client_send_dropped",
			slog.String("trace_id", b.traceID))
	}
}

// close tears both sockets down; safe to call more than once and from
// either loop.
func (b *bridge) close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.upstream != nil {
		_ = b.upstream.Close()
	}
	b.sendMu.Lock()
	close(b.sendCh)
	b.sendMu.Unlock()
	_ = b.client.Close()
}

// closeClientSoon lets queued messages (the final error or session.finished)
// flush before the socket is torn down. A nil entry tells the writer to
// close the client.
func (b *bridge) closeClientSoon() {
	if !b.enqueue(nil) {
		_ = b.client.Close()
	}
}

func (b *bridge) sendToClient(msg wire.Message) {
	if !b.enqueue(wire.Encode(msg)) {
		b.logger.Warn("client_send_dropped",
			slog.String("trace_id", b.traceID),
			slog.String("type", msg.Type))
	}
}

func (b *bridge) enqueue(data []byte) bool {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed.Load() {
		return false
	}
	select {
	case b.sendCh <- data:
		return true
	default:
		return false
	}
}

func (b *bridge) writeLoop() {
	for msg := range b.sendCh {
		if msg == nil {
			_ = b.client.Close()
			continue
		}
		_ = b.client.WriteMessage(websocket.TextMessage, msg)
	}
}
