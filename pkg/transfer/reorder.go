package transfer

import (
	"sync"

	"github.com/forest6511/vaultsync/pkg/secmem"
)

// reorderBuffer accepts chunks in any order and drains them to a sink in
// index order. Chunks more than window positions ahead of the next
// expected index wait in admit before being fetched.
type reorderBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sink    ChunkSink
	window  int
	next    int
	pending map[int][]byte
	broken  bool
}

func newReorderBuffer(sink ChunkSink, window int) *reorderBuffer {
	if window < 1 {
		window = 1
	}
	r := &reorderBuffer{sink: sink, window: window, pending: make(map[int][]byte)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// admit blocks until index is within the window. It returns false once the
// buffer is broken.
func (r *reorderBuffer) admit(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for index >= r.next+r.window && !r.broken {
		r.cond.Wait()
	}
	return !r.broken
}

// deliver stores plaintext and writes every chunk that is now in order.
// Plaintexts are wiped after they are written or discarded.
func (r *reorderBuffer) deliver(index int, plaintext []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		secmem.WipeBytes(plaintext)
		return nil
	}
	r.pending[index] = plaintext
	for {
		chunk, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		err := r.sink.WriteChunk(r.next, chunk)
		secmem.WipeBytes(chunk)
		if err != nil {
			return err
		}
		r.next++
		r.cond.Broadcast()
	}
}

// fail marks the buffer broken and releases waiting workers.
func (r *reorderBuffer) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = true
	r.cond.Broadcast()
}

func (r *reorderBuffer) written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// release wipes chunks that were never written.
func (r *reorderBuffer) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, chunk := range r.pending {
		secmem.WipeBytes(chunk)
		delete(r.pending, i)
	}
}
