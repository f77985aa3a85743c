package interp

// splitmix64 advances the generator and returns the next output.
func splitmix64(state uint64) (uint64, uint64) {
	state += 0x9e3779b97f4a7c15
	z := state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return state, z ^ (z >> 31)
}

// randInt draws from [lo, hi]. lo <= hi must hold.
func randInt(r Rng, lo, hi int64) (int64, Rng) {
	state, z := splitmix64(r.State)
	span := uint64(hi) - uint64(lo) + 1
	if span == 0 { // the full int64 range
		return int64(z), Rng{State: state}
	}
	return lo + int64(z%span), Rng{State: state}
}
