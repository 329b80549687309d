package corpus

import "math/rand"

// Mutate returns a mutated copy of input, picking one strategy at random
// each call. splice is an optional second corpus member to recombine with;
// pass nil to disable the splice strategy.
func Mutate(rng *rand.Rand, input []byte, splice []byte) []byte {
	out := append([]byte(nil), input...)
	if len(out) == 0 {
		return out
	}

	strategies := []func(*rand.Rand, []byte) []byte{bitFlip, byteFlip, arith, havoc}
	if len(splice) > 0 {
		strategies = append(strategies, func(rng *rand.Rand, b []byte) []byte {
			return spliceWith(rng, b, splice)
		})
	}
	return strategies[rng.Intn(len(strategies))](rng, out)
}

func bitFlip(rng *rand.Rand, b []byte) []byte {
	i := rng.Intn(len(b))
	bit := uint(rng.Intn(8))
	b[i] ^= 1 << bit
	return b
}

func byteFlip(rng *rand.Rand, b []byte) []byte {
	i := rng.Intn(len(b))
	b[i] = ^b[i]
	return b
}

// arith adds a small random delta to a byte, the classic boundary-value
// mutation (catches off-by-one comparisons).
func arith(rng *rand.Rand, b []byte) []byte {
	i := rng.Intn(len(b))
	delta := byte(rng.Intn(35) - 17) // [-17, 17]
	b[i] += delta
	return b
}

// spliceWith keeps b up to a random cut point and replaces the rest with
// the tail of other from its own random cut point, recombining two corpus
// members.
func spliceWith(rng *rand.Rand, b []byte, other []byte) []byte {
	if len(other) == 0 {
		return b
	}
	cut := rng.Intn(len(b))
	otherCut := rng.Intn(len(other))

	out := append([]byte(nil), b[:cut]...)
	out = append(out, other[otherCut:]...)
	return out
}

// havoc applies a handful of small random edits in one pass, the
// high-entropy strategy that tends to escape local coverage plateaus.
func havoc(rng *rand.Rand, b []byte) []byte {
	n := 1 + rng.Intn(8)
	for i := 0; i < n; i++ {
		switch rng.Intn(3) {
		case 0:
			b = bitFlip(rng, b)
		case 1:
			b = byteFlip(rng, b)
		case 2:
			b = arith(rng, b)
		}
	}
	return b
}
