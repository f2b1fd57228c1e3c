package transfer

// WorkerPolicy returns the number of concurrent chunk transfers to run.
type WorkerPolicy func() int

// Worker counts chosen by AdaptiveWorkers.
const (
	WorkersHigh   = 5
	WorkersMedium = 2
	WorkersLow    = 1
)

const (
	highMemory   = 1 << 30
	mediumMemory = 512 << 20
)

// FixedWorkers always returns n (at least 1).
func FixedWorkers(n int) WorkerPolicy {
	if n < 1 {
		n = 1
	}
	return func() int { return n }
}

// AdaptiveWorkers sizes the pool from available memory at call time: high
// parallelism with at least 1 GiB free and room for eight chunks, medium
// with 512 MiB, and a single worker otherwise. When available memory cannot
// be read the medium count is used.
func AdaptiveWorkers(chunkSize int) WorkerPolicy {
	return func() int {
		avail, ok := availableMemory()
		if !ok {
			return WorkersMedium
		}
		return workersFor(avail, chunkSize)
	}
}

func workersFor(avail uint64, chunkSize int) int {
	switch {
	case avail >= highMemory && avail >= 8*uint64(chunkSize):
		return WorkersHigh
	case avail >= mediumMemory:
		return WorkersMedium
	default:
		return WorkersLow
	}
}
