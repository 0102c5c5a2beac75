package clock

import (
	"sync"
	"time"
)

// Fake is a scriptable Clock for tests: settable time, queued uniform
// variates and manual VRF intake.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	uniforms []float64
	seq      uint64
	latest   *RandomnessBundle
}

var _ Clock = (*Fake)(nil)

// NewFake starts the fake at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the fake time to a specific instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// PushUniform queues variates returned by subsequent Uniform calls.
func (f *Fake) PushUniform(vs ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uniforms = append(f.uniforms, vs...)
}

// Uniform pops the next scripted variate, or 0.5 when none is queued.
func (f *Fake) Uniform() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uniforms) == 0 {
		return 0.5
	}
	v := f.uniforms[0]
	f.uniforms = f.uniforms[1:]
	return v
}

func (f *Fake) ConsumeVRF(word [32]byte) RandomnessBundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	b := RandomnessBundle{Word: word, Seq: f.seq, ReceivedAt: f.now}
	f.latest = &b
	return b
}

func (f *Fake) LatestVRF() (RandomnessBundle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return RandomnessBundle{}, false
	}
	return *f.latest, true
}

func (f *Fake) VRFFresh(maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return false
	}
	return f.now.Sub(f.latest.ReceivedAt) <= maxAge
}
