// Package audio captures microphone input and emits wire-format frames:
// 16 kHz mono 16-bit little-endian PCM, windowed and base64-encoded for
// transport.
package audio

// Format describes a capture device's native PCM layout. Samples are
// float32, interleaved when Channels > 1.
type Format struct {
	SampleRate int
	Channels   int
}

// Device abstracts the platform input device. Open acquires the device and
// reports its native format; Start installs a capture callback that the
// device invokes with fixed windows of interleaved samples, strictly
// serialized on the device's own goroutine; Stop removes the callback and
// releases the device. Stop must be safe to call after a failed Open.
type Device interface {
	Open() (Format, error)
	Start(func(block []float32)) error
	Stop() error
}
