package resolve

import "github.com/jtanx/rldd/internal/container"

// Attempt records one candidate path a resolver tried, and why it was
// rejected (or that it was accepted), for -v verbose output: every candidate
// path tried, and why each was rejected.
type Attempt struct {
	Path   string
	Source string // which search origin produced this candidate, e.g. "RUNPATH", "ld.so.cache", "DYLD_LIBRARY_PATH"
	Reason string // empty if this was the accepted candidate
}

// Result is what a platform resolver returns for one dependency name.
type Result struct {
	Path     string // resolved, not-yet-canonicalized path
	Found    bool
	Attempts []Attempt

	// FromCache is set when Path was resolved via a platform's shared
	// library cache (macOS dyld shared cache, or an equivalent) rather than
	// an on-disk file, so the walker knows to materialize its children from
	// the cache reader instead of opening Path directly.
	FromCache bool
}

// FileProbe abstracts filesystem existence/ABI checks so tests can supply a
// synthetic filesystem instead of touching the real one.
type FileProbe struct {
	// Exists reports whether path names a regular file.
	Exists func(path string) bool
	// ReadABI opens path as a container image and returns its ABI
	// descriptor. An error means the candidate is unusable (unreadable or
	// malformed).
	ReadABI func(path string) (container.ABIDescriptor, error)
}
