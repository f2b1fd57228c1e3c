package transfer

import "github.com/forest6511/vaultsync/pkg/vault"

// Split returns the number of chunks a payload of size bytes occupies.
func Split(size int64, chunkSize int) int {
	return vault.ChunkCount(size, chunkSize)
}

// BytesSource serves an in-memory payload as chunks.
type BytesSource struct {
	data      []byte
	chunkSize int
}

// NewBytesSource splits data into chunkSize pieces. A chunkSize of zero or
// less keeps the payload in one chunk.
func NewBytesSource(data []byte, chunkSize int) *BytesSource {
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	return &BytesSource{data: data, chunkSize: chunkSize}
}

// ChunkCount returns the number of chunks.
func (b *BytesSource) ChunkCount() int {
	return Split(int64(len(b.data)), b.chunkSize)
}

// ReadChunk returns a copy of chunk index.
func (b *BytesSource) ReadChunk(index int) ([]byte, error) {
	start := index * b.chunkSize
	if start > len(b.data) {
		start = len(b.data)
	}
	end := min(start+b.chunkSize, len(b.data))
	return append([]byte(nil), b.data[start:end]...), nil
}

// BufferSink collects chunks into memory.
type BufferSink struct {
	Data []byte
}

// WriteChunk appends plaintext.
func (b *BufferSink) WriteChunk(_ int, plaintext []byte) error {
	b.Data = append(b.Data, plaintext...)
	return nil
}
