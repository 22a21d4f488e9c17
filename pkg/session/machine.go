// Package session owns the client side of a conversation: it maps
// hold-to-talk gestures onto the relay wire protocol, runs the capture
// pipeline per turn and guards every turn with a finalize timeout so the UI
// can never be left stuck waiting for a transcript.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyvoice/parley/pkg/direction"
	"github.com/parleyvoice/parley/pkg/frames"
	"github.com/parleyvoice/parley/pkg/logging"
	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/redact"
	"github.com/parleyvoice/parley/pkg/synth"
	"github.com/parleyvoice/parley/pkg/translate"
	"github.com/parleyvoice/parley/pkg/wire"
)

const DefaultFinalizeTimeout = 3 * time.Second

type Config struct {
	Mode      wire.Mode
	LanguageA string
	LanguageB string
	Model     string

	// FinalizeTimeout bounds how long a turn may sit in FINALIZING before it
	// is abandoned.
	FinalizeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = wire.ModeFixedSides
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return c
}

// Capture is the audio pipeline contract the machine drives per turn.
type Capture interface {
	Start(turnID string) error
	Stop() error
}

// Deps wires the machine's collaborators. Speaker and OnTurn are optional.
type Deps struct {
	Dialer     Dialer
	Capture    Capture
	Translator translate.Translator
	Speaker    synth.Speaker

	// OnTurn is invoked with a snapshot after a turn record changes, for the
	// presentation layer.
	OnTurn func(Turn)

	// Observer receives turn lifecycle metrics; nil means no metrics.
	Observer metrics.Observer
}

type eventKind int

const (
	evPressDown eventKind = iota
	evPressUp
	evFrame
	evServer
	evTimeout
	evSocketClosed
)

type event struct {
	kind   eventKind
	side   wire.Side
	frame  frames.AudioFrame
	msg    wire.Message
	turnID string
	err    error
}

// Machine is the client session state machine. All turn mutation happens on
// one actor goroutine; gestures, socket callbacks, capture frames and the
// finalize timer all post events onto its queue.
type Machine struct {
	cfg    Config
	deps   Deps
	sm     *stateMachine
	turns  *registry
	events chan event
	logger *slog.Logger
	obs    metrics.Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Actor-owned; never touched off the run goroutine.
	socket        Socket
	finalizeTimer *time.Timer
	finalizingID  string
}

func NewMachine(cfg Config, deps Deps) *Machine {
	return &Machine{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		sm:     newStateMachine(),
		turns:  newRegistry(),
		events: make(chan event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "session"),
		obs:    metrics.OrNoop(deps.Observer),
		done:   make(chan struct{}),
	}
}

// Run consumes events until ctx is cancelled or Stop is called.
func (m *Machine) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.loop()
}

// Stop cancels the actor and tears down any in-flight turn.
func (m *Machine) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			m.abandonActive("shutdown")
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// PressDown reports the physical control for one side being pressed.
func (m *Machine) PressDown(side wire.Side) {
	m.post(event{kind: evPressDown, side: side})
}

// PressUp reports the control being released.
func (m *Machine) PressUp() {
	m.post(event{kind: evPressUp})
}

// OnFrame is the capture pipeline's frame callback. It runs on the device
// goroutine and only enqueues; a full queue drops the frame.
func (m *Machine) OnFrame(f frames.AudioFrame) {
	select {
	case m.events <- event{kind: evFrame, frame: f}:
	default:
		frames.ReleaseAudioFrame(f)
	}
}

// State returns the current session state.
func (m *Machine) State() State { return m.sm.State() }

// AddListener registers a state change listener.
func (m *Machine) AddListener(l StateListener) { m.sm.AddListener(l) }

// Snapshot returns a copy of a turn record.
func (m *Machine) Snapshot(turnID string) (Turn, bool) { return m.turns.snapshot(turnID) }

// ActiveTurnID returns the id of the open turn, if any.
func (m *Machine) ActiveTurnID() string {
	if t := m.turns.active(); t != nil {
		return t.ID
	}
	return ""
}

// History returns finalized turns in start order.
func (m *Machine) History() []*Turn { return m.turns.history() }

func (m *Machine) post(ev event) {
	if m.ctx == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Machine) postServer(msg wire.Message) { m.post(event{kind: evServer, msg: msg}) }
func (m *Machine) postClosed(err error)        { m.post(event{kind: evSocketClosed, err: err}) }

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evPressDown:
		m.handlePressDown(ev.side)
	case evPressUp:
		m.handlePressUp()
	case evFrame:
		m.handleFrame(ev.frame)
	case evServer:
		m.handleServer(ev.msg)
	case evTimeout:
		m.handleTimeout(ev.turnID)
	case evSocketClosed:
		m.handleSocketClosed(ev.err)
	}
}

func (m *Machine) handlePressDown(side wire.Side) {
	if state := m.sm.State(); state != StateIdle {
		m.logger.Info("press_ignored",
			slog.String("state", state.String()))
		return
	}
	if m.cfg.Mode == wire.ModeAutoDetect {
		side = wire.SideUnknown
	}
	turn := m.turns.create(side)
	_ = m.sm.Transition(StateAwaiting, "press down")

	sock, err := m.deps.Dialer.Dial(m.ctx, m.postServer, m.postClosed)
	if err != nil {
		m.logger.Error("relay_dial_failed",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()))
		m.turns.abandon(turn.ID)
		m.turns.clearActive()
		_ = m.sm.Transition(StateIdle, "dial failed")
		return
	}
	m.socket = sock

	// The connection is fresh every turn, so the configuration always rides
	// on the first message.
	_ = sock.Send(wire.Message{
		Type:      wire.TypeSessionUpdate,
		Mode:      m.cfg.Mode,
		LanguageA: m.cfg.LanguageA,
		LanguageB: m.cfg.LanguageB,
		Model:     m.cfg.Model,
	})

	if err := m.deps.Capture.Start(turn.ID); err != nil {
		m.logger.Error("capture_start_failed",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()))
		m.teardownSocket()
		m.turns.abandon(turn.ID)
		m.turns.clearActive()
		_ = m.sm.Transition(StateIdle, "capture unavailable")
		return
	}

	_ = m.sm.Transition(StateRecording, "capture started")
	m.logger.Info("turn_started",
		slog.String("turn_id", turn.ID),
		slog.String("side", string(side)))
	m.notify(turn.ID)
}

func (m *Machine) handlePressUp() {
	if state := m.sm.State(); state != StateRecording {
		m.logger.Info("release_ignored",
			slog.String("state", state.String()))
		return
	}
	_ = m.deps.Capture.Stop()

	turn := m.turns.active()
	if turn == nil {
		_ = m.sm.Transition(StateIdle, "no active turn")
		return
	}
	if m.socket != nil {
		_ = m.socket.Send(wire.Message{Type: wire.TypeAudioCommit})
		_ = m.socket.Send(wire.Message{Type: wire.TypeSessionFinish})
	}
	_ = m.sm.Transition(StateFinalizing, "commit sent")

	m.finalizingID = turn.ID
	id := turn.ID
	m.finalizeTimer = time.AfterFunc(m.cfg.FinalizeTimeout, func() {
		m.post(event{kind: evTimeout, turnID: id})
	})
}

func (m *Machine) handleFrame(f frames.AudioFrame) {
	if m.sm.State() != StateRecording || m.socket == nil {
		frames.ReleaseAudioFrame(f)
		return
	}
	turn := m.turns.active()
	if turn == nil || f.Meta()[frames.MetaTurnID] != turn.ID {
		frames.ReleaseAudioFrame(f)
		return
	}
	_ = m.socket.Send(wire.Message{
		Type:  wire.TypeAudioAppend,
		Audio: string(f.RawPayload()),
	})
	frames.ReleaseAudioFrame(f)
}

func (m *Machine) handleServer(msg wire.Message) {
	switch msg.Type {
	case wire.TypePartialTranscript:
		turn := m.turns.active()
		if turn == nil {
			return
		}
		if m.turns.updatePartial(turn.ID, msg.Text) {
			m.notify(turn.ID)
		}
	case wire.TypeCompletedTranscript:
		m.handleCompleted(msg)
	case wire.TypeError:
		m.logger.Warn("relay_error",
			slog.String("message", msg.Message))
		if m.sm.State() != StateIdle {
			m.abandonActive("relay_error")
		}
	case wire.TypeSessionFinished:
		if m.sm.State() != StateIdle {
			m.logger.Info("session_finished_without_transcript",
				slog.String("reason", msg.Reason))
			m.abandonActive(msg.Reason)
		}
	}
}

func (m *Machine) handleCompleted(msg wire.Message) {
	state := m.sm.State()
	turn := m.turns.activeOrSynthesize(msg.Side)
	m.disarmTimer()

	d := m.resolveDirection(turn, msg)

	translated := ""
	translateFail := false
	if m.deps.Translator != nil && msg.Text != "" {
		out, err := m.deps.Translator.Translate(m.ctx, msg.Text, d.SourceLanguage, d.TargetLanguage)
		if err != nil {
			m.logger.Warn("translation_failed",
				slog.String("turn_id", turn.ID),
				slog.String("error", err.Error()))
			m.obs.Record(metrics.New(metrics.EventTranslateFailed))
			translated = translate.FailureMarker
			translateFail = true
		} else {
			translated = out
		}
	}

	m.turns.finalize(turn.ID, finalizeResult{
		side:          d.Side,
		finalText:     msg.Text,
		translated:    translated,
		sourceLang:    d.SourceLanguage,
		targetLang:    d.TargetLanguage,
		translateFail: translateFail,
	})
	m.turns.clearActive()

	if state == StateRecording {
		_ = m.deps.Capture.Stop()
	}
	if state != StateIdle {
		_ = m.sm.Transition(StateIdle, "transcript applied")
	}
	m.teardownSocket()

	m.logger.Info("turn_completed",
		slog.String("turn_id", turn.ID),
		slog.String("side", string(d.Side)),
		slog.String("source", d.SourceLanguage),
		slog.String("target", d.TargetLanguage))
	m.logger.Debug("transcript_applied",
		slog.String("turn_id", turn.ID),
		slog.String("text", redact.Text(msg.Text)))
	m.obs.Record(metrics.New(metrics.EventTurnCompleted).WithTag("side", string(d.Side)))
	m.notify(turn.ID)

	if m.deps.Speaker != nil && !translateFail && translated != "" {
		m.deps.Speaker.Speak(translated, d.TargetLanguage)
	}
}

// resolveDirection picks the routing for a completed turn. Fixed-sides mode
// maps the pressed control; auto-detect trusts the relay's annotation and
// only falls back to a local decision when the annotation is missing.
func (m *Machine) resolveDirection(turn *Turn, msg wire.Message) direction.Decision {
	if m.cfg.Mode == wire.ModeFixedSides {
		return direction.ForSide(turn.Side, m.cfg.LanguageA, m.cfg.LanguageB)
	}
	if msg.Side != wire.SideUnknown && msg.SourceLanguage != "" {
		return direction.Decision{
			Side:           msg.Side,
			SourceLanguage: msg.SourceLanguage,
			TargetLanguage: msg.TargetLanguage,
		}
	}
	return direction.Resolve(m.cfg.LanguageA, m.cfg.LanguageB, msg.Language)
}

func (m *Machine) handleTimeout(turnID string) {
	if m.sm.State() != StateFinalizing || m.finalizingID != turnID {
		// The transcript won the race; nothing to do.
		return
	}
	m.logger.Warn("finalize_timeout",
		slog.String("turn_id", turnID))
	m.abandonActive("finalize_timeout")
}

func (m *Machine) handleSocketClosed(err error) {
	if m.sm.State() == StateIdle {
		return
	}
	m.logger.Warn("relay_socket_closed",
		slog.String("error", errString(err)))
	m.abandonActive("socket_closed")
}

// abandonActive ends the open turn without a transcript and restores IDLE.
// Every error path funnels here so the UI can never get stuck recording.
func (m *Machine) abandonActive(reason string) {
	m.disarmTimer()
	if m.sm.State() == StateRecording {
		_ = m.deps.Capture.Stop()
	}
	if turn := m.turns.active(); turn != nil {
		m.turns.abandon(turn.ID)
		m.obs.Record(metrics.New(metrics.EventTurnAbandoned).WithTag("reason", reason))
		m.notify(turn.ID)
	}
	m.turns.clearActive()
	m.teardownSocket()
	if m.sm.State() != StateIdle {
		_ = m.sm.Transition(StateIdle, reason)
	}
}

func (m *Machine) disarmTimer() {
	if m.finalizeTimer != nil {
		m.finalizeTimer.Stop()
		m.finalizeTimer = nil
	}
	m.finalizingID = ""
}

func (m *Machine) teardownSocket() {
	if m.socket != nil {
		_ = m.socket.Close()
		m.socket = nil
	}
}

func (m *Machine) notify(turnID string) {
	if m.deps.OnTurn == nil {
		return
	}
	if snap, ok := m.turns.snapshot(turnID); ok {
		m.deps.OnTurn(snap)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
