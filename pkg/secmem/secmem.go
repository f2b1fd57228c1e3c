// Package secmem holds key material in guarded memory.
//
// A Buffer wraps a memguard LockedBuffer: pages are mlocked, surrounded by guard
// pages and overwritten when the buffer is wiped. Buffers are never duplicated
// implicitly; Clone is the only way to obtain a second copy.
package secmem

import (
	"sync"

	"github.com/awnumar/memguard"
)

// noCopy lets `go vet -copylocks` flag accidental value copies of Buffer.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Buffer is a guarded container for secret bytes.
type Buffer struct {
	_  noCopy
	mu sync.Mutex
	lb *memguard.LockedBuffer
}

// New allocates a zero-filled guarded buffer of the given size, to be filled
// with Write.
func New(size int) *Buffer {
	return &Buffer{lb: memguard.NewBuffer(size)}
}

// FromBytes moves b into a guarded buffer. The source slice is wiped.
func FromBytes(b []byte) *Buffer {
	return &Buffer{lb: memguard.NewBufferFromBytes(b)}
}

// Write moves src into the buffer, replacing its contents, and wipes src.
// A live buffer of the same size is filled in place; otherwise it is
// reallocated. The buffer is read-only afterwards.
func (b *Buffer) Write(src []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lb != nil && b.lb.IsAlive() && b.lb.Size() == len(src) && len(src) > 0 {
		b.lb.Melt()
		b.lb.Move(src)
		b.lb.Freeze()
		return
	}
	if b.lb != nil {
		b.lb.Destroy()
	}
	b.lb = memguard.NewBufferFromBytes(src)
}

// Bytes returns a view of the secret. The slice is only valid until Wipe is
// called and must not be retained or modified by the caller. A nil Buffer
// holds nothing.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lb == nil || !b.lb.IsAlive() {
		return nil
	}
	return b.lb.Bytes()
}

// Len returns the number of secret bytes held, or 0 once wiped.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Alive reports whether the buffer still holds its secret.
func (b *Buffer) Alive() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lb != nil && b.lb.IsAlive()
}

// Clone returns an independent guarded copy. A wiped buffer clones to an
// empty buffer.
func (b *Buffer) Clone() *Buffer {
	src := b.Bytes()
	tmp := make([]byte, len(src))
	copy(tmp, src)
	return FromBytes(tmp)
}

// Wipe overwrites and releases the secret. It is safe to call more than once
// and on a nil Buffer.
func (b *Buffer) Wipe() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lb != nil {
		b.lb.Destroy()
		b.lb = nil
	}
}

// WipeBytes zeroes an ordinary slice that held secret data.
func WipeBytes(p []byte) {
	memguard.WipeBytes(p)
}
