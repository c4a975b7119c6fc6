package replay

import (
	"fmt"

	"voidreckoning.sim/internal/sim/engine"
)

// TurnHash is the canonical state digest after one fully resolved turn.
type TurnHash struct {
	Turn   int    `json:"turn"`
	Digest string `json:"digest"`
}

// Replayer steps a restored campaign forward, recording a digest per turn.
type Replayer struct {
	c     *engine.Campaign
	trace []TurnHash
}

func NewReplayer(c *engine.Campaign) *Replayer {
	return &Replayer{c: c}
}

// Step resolves up to n turns, stopping early at the terminal condition. The
// digest trace grows by one entry per resolved turn.
func (r *Replayer) Step(n int) ([]TurnHash, error) {
	for i := 0; i < n; i++ {
		if _, done := r.c.Finished(); done {
			break
		}
		if err := r.c.ProcessTurn(); err != nil {
			return r.trace, fmt.Errorf("turn %d: %w", r.c.Turn(), err)
		}
		r.trace = append(r.trace, TurnHash{Turn: r.c.Turn(), Digest: r.c.StateDigest()})
	}
	return r.trace, nil
}

// Trace returns the digests recorded so far.
func (r *Replayer) Trace() []TurnHash {
	out := make([]TurnHash, len(r.trace))
	copy(out, r.trace)
	return out
}

// VerifyDeterminism compares two digest traces. It returns the turn of the
// first divergence, or ok=true when every shared turn matches.
func VerifyDeterminism(a, b []TurnHash) (divergedTurn int, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Turn != b[i].Turn || a[i].Digest != b[i].Digest {
			return a[i].Turn, false
		}
	}
	if len(a) != len(b) {
		if n < len(a) {
			return a[n].Turn, false
		}
		return b[n].Turn, false
	}
	return 0, true
}
