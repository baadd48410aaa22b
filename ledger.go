package hashqueue

// ledger counts the outstanding lock credits on a [Queue]. It knows nothing
// about the queue's items; the queue's mutex guards it.
//
// The count is a single global reservation, not attached to any item. Credits
// only leave the ledger through unlock or reset.
type ledger struct {
	n int
}

// lock adds n credits. Non-positive n is ignored.
func (l *ledger) lock(n int) {
	if n > 0 {
		l.n += n
	}
}

// unlock removes up to n credits, saturating at zero, and returns how many
// credits it actually released.
func (l *ledger) unlock(n int) (released int) {
	released = min(max(n, 0), l.n)
	l.n -= released
	return
}

// reset releases every credit and returns how many there were.
func (l *ledger) reset() (released int) {
	released, l.n = l.n, 0
	return
}

func (l *ledger) count() int   { return l.n }
func (l *ledger) locked() bool { return l.n > 0 }
