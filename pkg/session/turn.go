package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/pkg/frames"
	"github.com/parleyvoice/parley/pkg/wire"
)

// Turn is one hold-to-talk interval: press-down through finalize (or
// abandonment). Partial is overwritten as interim transcripts arrive; Final
// and Translated are set once. Transcript keeps every text revision in
// arrival order, partials included, for replay by the presentation layer.
type Turn struct {
	ID   string
	Side wire.Side

	Partial    string
	Final      string
	Translated string
	Transcript []frames.TextFrame

	SourceLanguage    string
	TargetLanguage    string
	TranslationFailed bool
	Abandoned         bool

	StartedAt   time.Time
	CompletedAt time.Time
}

func (t *Turn) finalized() bool { return t.Final != "" || t.Abandoned }

// registry indexes turns by id and tracks the single active turn. The
// machine's actor goroutine is the only writer; reads may come from other
// goroutines (UI, tests).
type registry struct {
	mu       sync.Mutex
	turns    map[string]*Turn
	activeID string
	pts      *frames.PTSGen
}

func newRegistry() *registry {
	return &registry{
		turns: make(map[string]*Turn),
		pts:   frames.NewPTSGen(),
	}
}

func (r *registry) create(side wire.Side) *Turn {
	t := &Turn{
		ID:        uuid.NewString(),
		Side:      side,
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.turns[t.ID] = t
	r.activeID = t.ID
	r.mu.Unlock()
	return t
}

func (r *registry) active() *Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID == "" {
		return nil
	}
	return r.turns[r.activeID]
}

func (r *registry) clearActive() {
	r.mu.Lock()
	r.activeID = ""
	r.mu.Unlock()
}

// activeOrSynthesize returns the active turn, or registers a fresh one from
// an event that arrived without a local press (auto-detect mode, where the
// side is unknown until the relay's annotation comes back).
func (r *registry) activeOrSynthesize(side wire.Side) *Turn {
	if t := r.active(); t != nil {
		return t
	}
	t := &Turn{
		ID:        uuid.NewString(),
		Side:      side,
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.turns[t.ID] = t
	r.activeID = t.ID
	r.mu.Unlock()
	return t
}

// snapshot returns a copy of a turn for readers outside the actor goroutine.
func (r *registry) snapshot(id string) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok {
		return Turn{}, false
	}
	snap := *t
	snap.Transcript = append([]frames.TextFrame(nil), t.Transcript...)
	return snap, true
}

func (r *registry) updatePartial(id, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok || t.finalized() {
		return false
	}
	t.Partial = text
	t.Transcript = append(t.Transcript, frames.NewTextFrame(id, r.pts.Next(id), text,
		map[string]string{frames.MetaIsFinal: "false"}))
	return true
}

type finalizeResult struct {
	side          wire.Side
	finalText     string
	translated    string
	sourceLang    string
	targetLang    string
	translateFail bool
}

func (r *registry) finalize(id string, res finalizeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok || t.finalized() {
		return
	}
	if res.side != wire.SideUnknown {
		t.Side = res.side
	}
	t.Final = res.finalText
	if res.finalText != "" {
		t.Transcript = append(t.Transcript, frames.NewTextFrame(id, r.pts.Next(id), res.finalText,
			map[string]string{
				frames.MetaIsFinal:  "true",
				frames.MetaLanguage: res.sourceLang,
			}))
	}
	t.Translated = res.translated
	t.SourceLanguage = res.sourceLang
	t.TargetLanguage = res.targetLang
	t.TranslationFailed = res.translateFail
	t.CompletedAt = time.Now()
}

func (r *registry) abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok || t.finalized() {
		return
	}
	t.Abandoned = true
	t.CompletedAt = time.Now()
}

// history returns finalized turns ordered by start time. Exposed for the
// presentation layer; the core never reads it.
func (r *registry) history() []*Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Turn, 0, len(r.turns))
	for _, t := range r.turns {
		if t.finalized() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
