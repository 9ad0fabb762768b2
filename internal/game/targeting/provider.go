package targeting

// Confirmation selects when acquired targets are delivered.
type Confirmation uint8

const (
	// ConfirmInstant delivers targets as soon as they are acquired.
	ConfirmInstant Confirmation = iota
	// ConfirmUserConfirmed waits for an explicit confirm or cancel.
	ConfirmUserConfirmed
)

// Request describes one target acquisition.
type Request struct {
	OwnerID      string
	AbilityID    string
	Confirmation Confirmation
}

// Result is delivered once per request. Cancelled results carry no data.
type Result struct {
	Handle    Handle
	Cancelled bool
}

// Provider is the external target acquisition system (traces, overlaps,
// reticles).
type Provider interface {
	// StartTargeting begins acquisition. done is called at most once, on the
	// caller's goroutine, possibly before StartTargeting returns. The returned
	// func abandons the request; done is not called afterwards.
	StartTargeting(req Request, done func(Result)) (abandon func())
}

// Static answers every request with a fixed Handle. Instant requests
// complete immediately; user-confirmed requests wait for Confirm or Cancel.
type Static struct {
	handle  Handle
	pending []*staticRequest
}

type staticRequest struct {
	done func(Result)
}

// NewStatic returns a Static provider answering with h.
func NewStatic(h Handle) *Static {
	return &Static{handle: h}
}

// SetHandle replaces the handle delivered to future completions.
func (s *Static) SetHandle(h Handle) { s.handle = h }

// StartTargeting implements Provider.
func (s *Static) StartTargeting(req Request, done func(Result)) func() {
	if req.Confirmation == ConfirmInstant {
		done(Result{Handle: s.handle})
		return func() {}
	}
	r := &staticRequest{done: done}
	s.pending = append(s.pending, r)
	return func() { s.drop(r) }
}

// Pending returns the number of requests awaiting confirmation.
func (s *Static) Pending() int { return len(s.pending) }

// Confirm completes every pending request with the handle.
func (s *Static) Confirm() int {
	return s.complete(Result{Handle: s.handle})
}

// Cancel completes every pending request as cancelled.
func (s *Static) Cancel() int {
	return s.complete(Result{Cancelled: true})
}

func (s *Static) complete(res Result) int {
	reqs := s.pending
	s.pending = nil
	for _, r := range reqs {
		r.done(res)
	}
	return len(reqs)
}

func (s *Static) drop(r *staticRequest) {
	for i, p := range s.pending {
		if p == r {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
