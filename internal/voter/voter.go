// Package voter aggregates per-frame recognition results for a track into a
// single, more stable identity.
package voter

import "sync"

// Sample is one recognition result for a track key. Name is empty for "none".
type Sample struct {
	Name       string
	Distance   float64
	HasMatch   bool
	Quality    float64
	Confidence float64
	FrameIndex int
}

// Consensus is the winning identity over the recent window.
type Consensus struct {
	Name       string
	Confidence float64
	Count      int
	Confident  bool
}

// Options configures a Voter.
type Options struct {
	HistoryLength           int
	CheckFrames             int
	HighConfidenceThreshold float64
	RetentionFrames         int
}

// Voter owns the per-track sample histories. It is safe for concurrent use.
type Voter struct {
	opts    Options
	mu      sync.Mutex
	history map[string][]Sample
}

// New returns an empty Voter. Non-positive sizes are raised to 1.
func New(opts Options) *Voter {
	opts.HistoryLength = max(opts.HistoryLength, 1)
	opts.CheckFrames = max(opts.CheckFrames, 1)
	opts.RetentionFrames = max(opts.RetentionFrames, 1)
	return &Voter{opts: opts, history: make(map[string][]Sample)}
}

// Observe appends s to key's history, dropping the oldest entries beyond HistoryLength.
func (v *Voter) Observe(key string, s Sample) {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := append(v.history[key], s)
	if over := len(h) - v.opts.HistoryLength; over > 0 {
		h = append(h[:0], h[over:]...)
	}
	v.history[key] = h
}

type tally struct {
	count int
	sum   float64
	first int
}

// Consensus returns the most frequent name over the last CheckFrames samples.
// Ties go to the higher summed confidence, then to the name seen first.
// ok is false unless the winner appears at least twice.
func (v *Voter) Consensus(key string) (Consensus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := v.history[key]
	if len(h) > v.opts.CheckFrames {
		h = h[len(h)-v.opts.CheckFrames:]
	}

	tallies := make(map[string]*tally)
	for i, s := range h {
		t, ok := tallies[s.Name]
		if !ok {
			t = &tally{first: i}
			tallies[s.Name] = t
		}
		t.count++
		t.sum += s.Confidence
	}

	var (
		winner string
		best   *tally
	)
	for name, t := range tallies {
		if best == nil || better(t, best) {
			winner, best = name, t
		}
	}
	if best == nil || best.count < 2 {
		return Consensus{}, false
	}

	conf := best.sum / float64(best.count)
	return Consensus{
		Name:       winner,
		Confidence: conf,
		Count:      best.count,
		Confident:  winner != "" && conf > v.opts.HighConfidenceThreshold,
	}, true
}

func better(a, b *tally) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	if a.sum != b.sum {
		return a.sum > b.sum
	}
	return a.first < b.first
}

// History returns a copy of key's samples, oldest first.
func (v *Voter) History(key string) []Sample {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Sample(nil), v.history[key]...)
}

// Sweep purges keys whose newest sample is older than RetentionFrames.
func (v *Voter) Sweep(frameIndex int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, h := range v.history {
		if len(h) == 0 || frameIndex-h[len(h)-1].FrameIndex > v.opts.RetentionFrames {
			delete(v.history, key)
		}
	}
}

// Forget drops key's history.
func (v *Voter) Forget(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.history, key)
}

// Len returns the number of tracked keys.
func (v *Voter) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history)
}
