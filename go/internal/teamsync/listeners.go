package teamsync

// listeners is an ordered observer list. Removal is by registration id so
// unsubscribing one callback never disturbs the others. Not safe for
// concurrent use; the owning tracker guards it.
type listeners[T any] struct {
	next    int
	entries []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) int {
	l.next++
	l.entries = append(l.entries, listener[T]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[T]) remove(id int) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) len() int { return len(l.entries) }

func (l *listeners[T]) snapshot() []func(T) {
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

func notifyAll[T any](fns []func(T), v T) {
	for _, fn := range fns {
		fn(v)
	}
}
