package orchestration

import "sync"

// chunkQueue hands sentence chunks from the generation worker to the
// synthesis dispatcher. Buffering is unbounded so the model stream is
// never paused; the dispatcher applies its own in-flight bound.
type chunkQueue struct {
	mu sync.Mutex

	chunks   []string
	consumed int
	complete bool
	cleared  bool

	updateSignal chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{
		updateSignal: make(chan struct{}, 1),
	}
}

func (q *chunkQueue) Add(chunk string) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	q.signalUpdate()
}

// Complete marks that no further chunks will arrive.
func (q *chunkQueue) Complete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.signalUpdate()
}

// Clear unblocks and terminates the consumer. Used on cancellation.
func (q *chunkQueue) Clear() {
	q.mu.Lock()
	q.cleared = true
	q.mu.Unlock()
	q.signalUpdate()
}

// Chunks yields each chunk with its turn-scoped index, blocking until more
// text arrives or the queue completes.
func (q *chunkQueue) Chunks(yield func(index int, chunk string) bool) {
	for {
		q.mu.Lock()
		if q.cleared {
			q.mu.Unlock()
			return
		}

		if q.consumed < len(q.chunks) {
			index := q.consumed
			chunk := q.chunks[index]
			q.consumed++
			q.mu.Unlock()
			if !yield(index, chunk) {
				return
			}
			continue
		}

		if q.complete {
			q.mu.Unlock()
			return
		}

		q.mu.Unlock()
		<-q.updateSignal
	}
}

// Len returns the number of chunks added so far.
func (q *chunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.chunks)
}

func (q *chunkQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
