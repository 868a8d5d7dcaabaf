package gridlock

import "sync"

// TicketUnsequenced marks a response as sequence-agnostic (preview and
// dry-run calls). Real tickets start at 1.
const TicketUnsequenced int64 = 0

// RequestSequencer tags outbound fetches on one logical data channel with a
// monotonically increasing ticket and rejects responses issued against a
// superseded ticket. Rejected responses are dropped whole; no partial
// application.
type RequestSequencer struct {
	mu      sync.Mutex
	current int64
}

func NewRequestSequencer() *RequestSequencer {
	return &RequestSequencer{}
}

func (s *RequestSequencer) NextTicket() int64 {
	if s == nil {
		return TicketUnsequenced
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	return s.current
}

// Accept reports whether a response carrying ticket may be applied: only the
// most recently issued ticket is current, except for the unsequenced
// sentinel which is always accepted.
func (s *RequestSequencer) Accept(ticket int64) bool {
	if ticket == TicketUnsequenced {
		return true
	}
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ticket == s.current
}

func (s *RequestSequencer) Current() int64 {
	if s == nil {
		return TicketUnsequenced
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
