package version

// Policy bounds how much superseded history a store retains.
//
// The policy is an internal knob, not a contract: the engine exposes a
// no-argument retention trigger and owns the configured values.
type Policy struct {
	// KeepVersions is the minimum number of trailing versions retained per
	// key, regardless of age. Values below 1 are treated as 1: the latest
	// version (tombstone included) is never reclaimed.
	KeepVersions int

	// Horizon is the timestamp below which superseded versions become
	// reclaimable. 0 means history is unbounded.
	Horizon uint64
}

// Retain reclaims superseded versions according to the policy and returns the
// number of records dropped.
//
// A record is reclaimable when it is not among the KeepVersions most recent
// versions of its key and its timestamp is older than the horizon. Keys whose
// entire retained history is a single tombstone older than the horizon are
// dropped completely: nothing can observe them any more.
func (s *Store[V]) Retain(p Policy) int {
	keep := p.KeepVersions
	if keep < 1 {
		keep = 1
	}
	if p.Horizon == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for key, hist := range s.entries {
		cut := len(hist) - keep
		if cut <= 0 {
			// Nothing superseded beyond the keep window.
		} else {
			// Advance the cut to the first record young enough to keep.
			i := 0
			for i < cut && hist[i].Timestamp < p.Horizon {
				i++
			}
			cut = i
		}

		if cut > 0 {
			reclaimed += cut
			hist = hist[cut:]
			s.entries[key] = hist
		}

		// A lone expired tombstone is unobservable; drop the key entirely.
		if len(hist) == 1 && hist[0].Tombstone && hist[0].Timestamp < p.Horizon {
			delete(s.entries, key)
			reclaimed++
		}
	}
	return reclaimed
}
