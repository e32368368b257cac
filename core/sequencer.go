package orchestration

import "sync"

// audioSequencer reorders synthesized audio back into sentence order.
// Synthesis workers finish whenever they finish; emission never releases
// chunk n+1 before chunk n. Sealed marks the total chunk count so the
// consumer knows when the last chunk has been emitted.
type audioSequencer struct {
	mu sync.Mutex

	ready map[int][]byte
	next  int

	total  int
	sealed bool

	stopped bool
	failure error

	updateSignal chan struct{}
}

func newAudioSequencer() *audioSequencer {
	return &audioSequencer{
		ready:        map[int][]byte{},
		updateSignal: make(chan struct{}, 1),
	}
}

// Put stores the synthesized audio for one chunk index.
func (s *audioSequencer) Put(index int, audio []byte) {
	s.mu.Lock()
	s.ready[index] = audio
	s.mu.Unlock()
	s.signalUpdate()
}

// Seal declares the total number of chunks; emission ends once all of them
// have been yielded.
func (s *audioSequencer) Seal(total int) {
	s.mu.Lock()
	s.total = total
	s.sealed = true
	s.mu.Unlock()
	s.signalUpdate()
}

// Fail aborts emission with an error. The first failure wins.
func (s *audioSequencer) Fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.stopped = true
	s.mu.Unlock()
	s.signalUpdate()
}

// Stop terminates emission without an error. Used on cancellation.
func (s *audioSequencer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signalUpdate()
}

// Err returns the failure that aborted emission, if any.
func (s *audioSequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failure
}

// Chunks yields audio strictly in chunk index order, blocking on gaps
// until the missing chunk lands.
func (s *audioSequencer) Chunks(yield func(index int, audio []byte) bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		if audio, ok := s.ready[s.next]; ok {
			index := s.next
			delete(s.ready, index)
			s.next++
			s.mu.Unlock()
			if !yield(index, audio) {
				return
			}
			continue
		}

		if s.sealed && s.next >= s.total {
			s.mu.Unlock()
			return
		}

		s.mu.Unlock()
		<-s.updateSignal
	}
}

func (s *audioSequencer) signalUpdate() {
	select {
	case s.updateSignal <- struct{}{}:
	default:
	}
}
