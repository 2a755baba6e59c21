package chrome

import (
	"os"
	"runtime"
)

// Pool sizing bounds for the admission gate.
const (
	MinPoolSize = 1
	// MaxPoolSize caps concurrent browsers to limit memory (~200MB each).
	MaxPoolSize = 8
	cpuDivisor  = 2
)

// createProfileDir makes a throwaway Chrome user data dir under base, or under
// the system temp dir when base is empty.
func createProfileDir(base string) (string, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(base, "chromedata-*")
}

// ResolvePoolSize returns workers when positive, otherwise half of GOMAXPROCS
// clamped to [MinPoolSize, MaxPoolSize].
func ResolvePoolSize(workers int) int {
	if workers > 0 {
		return workers
	}
	n := runtime.GOMAXPROCS(0) / cpuDivisor
	if n < MinPoolSize {
		return MinPoolSize
	}
	if n > MaxPoolSize {
		return MaxPoolSize
	}
	return n
}
