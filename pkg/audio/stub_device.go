package audio

import (
	"errors"
	"sync"
)

// StubDevice is an in-memory Device that replays preloaded capture blocks.
// It stands in for a platform microphone in tests and demos.
type StubDevice struct {
	format Format
	blocks [][]float32

	mu      sync.Mutex
	open    bool
	failure error
}

func NewStubDevice(format Format, blocks [][]float32) *StubDevice {
	return &StubDevice{format: format, blocks: blocks}
}

// FailWith makes the next Open return err.
func (d *StubDevice) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

func (d *StubDevice) Open() (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return Format{}, d.failure
	}
	if d.open {
		return Format{}, errors.New("device already open")
	}
	d.open = true
	return d.format, nil
}

// Start replays every preloaded block synchronously on the caller's
// goroutine, which matches the serialized delivery a real device guarantees.
func (d *StubDevice) Start(cb func(block []float32)) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return errors.New("device not open")
	}
	blocks := d.blocks
	d.mu.Unlock()
	for _, b := range blocks {
		cb(b)
	}
	return nil
}

func (d *StubDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}
