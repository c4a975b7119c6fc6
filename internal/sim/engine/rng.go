package engine

// Named deterministic RNG streams. Each stream is an independent splitmix64
// sequence whose full state is a single uint64, so snapshots can capture and
// restore every stream exactly and the next draw after a restore reproduces
// the original run.

type RNGStream struct {
	state uint64
}

func NewRNGStream(seed uint64) *RNGStream {
	return &RNGStream{state: seed}
}

func (s *RNGStream) Next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (s *RNGStream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(s.Next() % uint64(n))
}

func (s *RNGStream) Float64() float64 {
	return float64(s.Next()>>11) / (1 << 53)
}

func (s *RNGStream) State() uint64     { return s.state }
func (s *RNGStream) Restore(st uint64) { s.state = st }

// RNGSet owns the engine's named streams. Stream seeds are derived from the
// replica seed and the stream name so adding a stream never perturbs the
// draws of existing ones.
type RNGSet struct {
	seed    uint64
	streams map[string]*RNGStream
}

func NewRNGSet(baseSeed int64, replica int) *RNGSet {
	return &RNGSet{
		seed:    uint64(baseSeed) + uint64(replica),
		streams: map[string]*RNGStream{},
	}
}

func (r *RNGSet) Stream(name string) *RNGStream {
	if s, ok := r.streams[name]; ok {
		return s
	}
	s := NewRNGStream(r.seed ^ fnv64(name))
	r.streams[name] = s
	return s
}

func (r *RNGSet) States() map[string]uint64 {
	out := make(map[string]uint64, len(r.streams))
	for name, s := range r.streams {
		out[name] = s.State()
	}
	return out
}

func (r *RNGSet) RestoreStates(states map[string]uint64) {
	for name, st := range states {
		r.Stream(name).Restore(st)
	}
}

func fnv64(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
