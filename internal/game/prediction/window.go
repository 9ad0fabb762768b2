package prediction

// Scope holds the ambient prediction key. Effect applications and ability
// activations performed while a Window is open are stamped with it.
type Scope struct {
	current Key
}

// Current returns the ambient key.
func (s *Scope) Current() Key {
	return s.current
}

// Window publishes a prediction key as the ambient key until Close.
type Window struct {
	scope  *Scope
	prev   Key
	key    Key
	closed bool
}

// OpenWindow opens a scoped prediction window.
//
// On a non-authoritative client a valid supplied key is reused; otherwise a
// key dependent on the ambient key is generated when the ambient key can be
// extended, or a new root key when it cannot. On the authority the supplied
// key (possibly the zero key) is adopted verbatim so that server-side work is
// attributed to the client's prediction.
//
// Precondition: scope must be non-nil; gen must be non-nil when !authority.
// Postcondition: scope.Current() == w.Key() until w.Close().
func OpenWindow(scope *Scope, authority bool, gen *Generator, supplied Key) *Window {
	w := &Window{scope: scope, prev: scope.current}
	switch {
	case authority:
		w.key = supplied
	case supplied.IsValidForMorePrediction():
		w.key = supplied
	case scope.current.IsValidForMorePrediction():
		w.key = scope.current.GenerateDependent(gen)
	default:
		w.key = gen.New()
	}
	scope.current = w.key
	return w
}

// Key returns the key published by the window.
func (w *Window) Key() Key {
	return w.key
}

// Close restores the ambient key that was current when the window opened.
// Calling Close more than once is a no-op.
func (w *Window) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.scope.current = w.prev
}
