package audio

import (
	"encoding/binary"

	"github.com/parleyvoice/parley/pkg/frames"
)

const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	// CaptureWindow is the number of per-channel samples the device hands to
	// the capture callback at its native rate.
	CaptureWindow = 1024
)

// Converter turns native-format capture blocks into wire-format PCM. One
// converter serves one device acquisition; it is only ever called from the
// device's capture goroutine.
type Converter struct {
	src Format
}

func NewConverter(src Format) *Converter {
	if src.SampleRate <= 0 {
		src.SampleRate = TargetSampleRate
	}
	if src.Channels <= 0 {
		src.Channels = 1
	}
	return &Converter{src: src}
}

// Convert mixes the block down to mono, resamples to the target rate and
// renders s16le bytes. Output frame capacity scales by the sample-rate
// ratio; a block too short to produce a single output frame yields nil.
// The returned buffer comes from the frame pool; callers release it with
// frames.ReleaseAudioBuf once encoded.
func (c *Converter) Convert(block []float32) []byte {
	if len(block) == 0 {
		return nil
	}
	mono := c.mixdown(block)
	if c.src.SampleRate != TargetSampleRate {
		mono = resample(mono, c.src.SampleRate, TargetSampleRate)
	}
	if len(mono) == 0 {
		return nil
	}
	out := frames.AcquireAudioBuf(len(mono) * 2)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampInt16(s)))
	}
	return out
}

func (c *Converter) mixdown(block []float32) []float32 {
	if c.src.Channels == 1 {
		return block
	}
	ch := c.src.Channels
	n := len(block) / ch
	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for j := 0; j < ch; j++ {
			sum += block[i*ch+j]
		}
		mono[i] = sum / float32(ch)
	}
	return mono
}

func resample(in []float32, srcRate, dstRate int) []float32 {
	outLen := len(in) * dstRate / srcRate
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

func clampInt16(s float32) int16 {
	v := s * 32767
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
