package audio

import (
	"encoding/base64"
	"log/slog"

	"github.com/parleyvoice/parley/pkg/errorsx"
	"github.com/parleyvoice/parley/pkg/frames"
	"github.com/parleyvoice/parley/pkg/logging"
)

// FrameFunc receives one wire-format frame per capture window. The frame's
// payload is the base64-encoded s16le PCM ready for an append message. It
// runs on the device's capture goroutine and must not block; consumers hand
// off to their own execution context and release the frame with
// frames.ReleaseAudioFrame once the payload has been consumed.
type FrameFunc func(frames.AudioFrame)

// Pipeline drives one device: acquire, convert every capture window to the
// wire format and emit it. Start and Stop must not be called concurrently,
// and Start must not be called again without an intervening Stop.
type Pipeline struct {
	dev     Device
	onFrame FrameFunc
	conv    *Converter
	pts     *frames.PTSGen
	turnID  string
	logger  *slog.Logger
	opened  bool
}

func NewPipeline(dev Device, onFrame FrameFunc) *Pipeline {
	return &Pipeline{
		dev:     dev,
		onFrame: onFrame,
		pts:     frames.NewPTSGen(),
		logger:  logging.NewComponentLogger(slog.Default(), "audio_pipeline"),
	}
}

// Start acquires the device at its native format, builds the converter and
// installs the capture callback.
func (p *Pipeline) Start(turnID string) error {
	format, err := p.dev.Open()
	if err != nil {
		p.logger.Error("capture_device_open_failed",
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	p.opened = true
	p.turnID = turnID
	p.conv = NewConverter(format)

	p.logger.Info("capture_started",
		slog.String("turn_id", turnID),
		slog.Int("native_rate", format.SampleRate),
		slog.Int("native_channels", format.Channels))

	if err := p.dev.Start(p.capture); err != nil {
		_ = p.dev.Stop()
		p.opened = false
		return errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	return nil
}

// Stop removes the capture callback and releases the device. Safe to call
// even when Start partially failed.
func (p *Pipeline) Stop() error {
	if !p.opened {
		return nil
	}
	p.opened = false
	err := p.dev.Stop()
	p.logger.Info("capture_stopped",
		slog.String("turn_id", p.turnID))
	return err
}

// capture runs on the device goroutine. Conversion and encoding are the
// only work done here; frames that convert to nothing are dropped silently.
// The emitted frame's payload is pool-backed, so the consumer must hand it
// to frames.ReleaseAudioFrame when done.
func (p *Pipeline) capture(block []float32) {
	converted := p.conv.Convert(block)
	if len(converted) == 0 {
		return
	}
	payload := base64.StdEncoding.EncodeToString(converted)
	frames.ReleaseAudioBuf(converted)
	meta := map[string]string{
		frames.MetaEncoding: "base64_pcm16",
		frames.MetaSource:   "capture",
	}
	f := frames.NewAudioFrameFromPool(p.turnID, p.pts.Next(p.turnID), []byte(payload), TargetSampleRate, TargetChannels, meta)
	p.onFrame(f)
}
