// Package logx is rldd's diagnostic logger, modeled on jtanx/lddx's
// lddx/log.go: a package-level mutex-guarded writer through
// github.com/fatih/color, with github.com/mattn/go-colorable wrapping
// stderr so ANSI codes degrade gracefully on Windows consoles. Beyond the
// teacher's four base levels, it adds Attempt, which understands
// resolve.Attempt directly and renders a resolver's accepted/rejected
// search-path candidates the way -v needs: grouped by the dependency being
// resolved, colored by outcome rather than by a flat severity level.
package logx

import (
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"

	"github.com/jtanx/rldd/internal/resolve"
)

var mu sync.Mutex
var quiet bool
var verbose bool

func init() {
	color.Output = colorable.NewColorableStderr()
}

// Init configures the logger for this run.
func Init(quietMode, verboseMode bool) {
	quiet = quietMode
	verbose = verboseMode
}

// Error logs an error message, always shown.
func Error(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	color.Red(format, args...)
}

// Warn logs a warning, always shown.
func Warn(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	color.Yellow(format, args...)
}

// Info logs an informational message, suppressed in quiet mode.
func Info(format string, args ...interface{}) {
	if quiet {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	color.Green(format, args...)
}

// Note logs a note, suppressed in quiet mode.
func Note(format string, args ...interface{}) {
	if quiet {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	color.Magenta(format, args...)
}

// Attempt logs one search-step candidate a resolver tried while resolving
// depName: green and "accepted" for the candidate that satisfied the
// dependency, dim for every rejected one with its rejection reason attached.
// Suppressed unless -v was passed.
func Attempt(depName string, a resolve.Attempt) {
	if !verbose {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if a.Reason == "" {
		color.New(color.FgGreen).Fprintf(color.Output, "%s: accepted %s (via %s)\n", depName, a.Path, a.Source)
		return
	}
	color.New(color.FgHiBlack).Fprintf(color.Output, "%s: rejected %s (via %s): %s\n", depName, a.Path, a.Source, a.Reason)
}
