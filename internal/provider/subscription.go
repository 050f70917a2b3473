package provider

import "sync"

// Subscription is the owned handle for the event handlers bound to one
// connection. After Release returns no new handler invocation starts; a
// handler already running is allowed to finish.
type Subscription struct {
	mu       sync.RWMutex
	handlers Handlers
	released bool
}

func NewSubscription(h Handlers) *Subscription {
	return &Subscription{handlers: h}
}

func (s *Subscription) Active() (Handlers, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return Handlers{}, false
	}
	return s.handlers, true
}

func (s *Subscription) Release() {
	s.mu.Lock()
	s.released = true
	s.handlers = Handlers{}
	s.mu.Unlock()
}

func (s *Subscription) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

func (s *Subscription) opened() {
	if h, ok := s.Active(); ok && h.OnOpen != nil {
		h.OnOpen()
	}
}

func (s *Subscription) transcript(raw []byte) {
	if h, ok := s.Active(); ok && h.OnTranscript != nil {
		h.OnTranscript(raw)
	}
}

func (s *Subscription) metadata(raw []byte) {
	if h, ok := s.Active(); ok && h.OnMetadata != nil {
		h.OnMetadata(raw)
	}
}

func (s *Subscription) closed(code int, reason string) {
	if h, ok := s.Active(); ok && h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

func (s *Subscription) failed(err error) {
	if h, ok := s.Active(); ok && h.OnError != nil {
		h.OnError(err)
	}
}

func (s *Subscription) warning(raw []byte) {
	if h, ok := s.Active(); ok && h.OnWarning != nil {
		h.OnWarning(raw)
	}
}

func (s *Subscription) unhandled(raw []byte) {
	if h, ok := s.Active(); ok && h.OnUnhandled != nil {
		h.OnUnhandled(raw)
	}
}
