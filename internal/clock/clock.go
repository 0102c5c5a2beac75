// Package clock supplies time and entropy to the rest of the core. All
// subsystems take a Clock instead of calling time.Now or math/rand so
// tests can script both.
package clock

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
	"time"
)

// RandomnessBundle is one accepted VRF word with its intake metadata.
type RandomnessBundle struct {
	Word       [32]byte
	Seq        uint64
	ReceivedAt time.Time
}

// Clock yields wall time, uniform variates and verifiable randomness.
type Clock interface {
	// Now returns the current UTC time.
	Now() time.Time
	// Uniform returns a variate in [0,1).
	Uniform() float64
	// ConsumeVRF accepts an externally supplied 256-bit word and makes it
	// the latest bundle.
	ConsumeVRF(word [32]byte) RandomnessBundle
	// LatestVRF returns the most recent bundle, if any has arrived.
	LatestVRF() (RandomnessBundle, bool)
	// VRFFresh reports whether a bundle arrived within maxAge.
	VRFFresh(maxAge time.Duration) bool
}

// System is the production Clock: wall time, a PCG generator seeded from
// crypto/rand, and VRF intake. Safe for concurrent use.
type System struct {
	mu     sync.Mutex
	rng    *mrand.Rand
	seq    uint64
	latest *RandomnessBundle
}

var _ Clock = (*System)(nil)

// NewSystem seeds the generator from the OS entropy pool.
func NewSystem() *System {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	}
	hi := binary.LittleEndian.Uint64(seed[:8])
	lo := binary.LittleEndian.Uint64(seed[8:])
	return &System{rng: mrand.New(mrand.NewPCG(hi, lo))}
}

func (s *System) Now() time.Time {
	return time.Now().UTC()
}

func (s *System) Uniform() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *System) ConsumeVRF(word [32]byte) RandomnessBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	b := RandomnessBundle{Word: word, Seq: s.seq, ReceivedAt: time.Now().UTC()}
	s.latest = &b
	return b
}

func (s *System) LatestVRF() (RandomnessBundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return RandomnessBundle{}, false
	}
	return *s.latest, true
}

func (s *System) VRFFresh(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return false
	}
	return time.Now().UTC().Sub(s.latest.ReceivedAt) <= maxAge
}
