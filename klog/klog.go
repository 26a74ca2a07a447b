// Package klog is the bare diagnostic-print shim this subsystem uses
// in place of a structured logging library, matching the teacher's own
// style (biscuit/src/mem/mem.go's Phys_init, biscuit/src/mem/dmap.go's
// Dmap_init: call-site fmt.Printf, no levels, no structured fields —
// appropriate output for a serial console, not a log aggregator).
package klog

import (
	"fmt"
	"os"
)

// Printf writes a diagnostic line to stderr. Used only at
// allocator-exhaustion and kernel-invariant-violation points, never on
// any hot path.
func Printf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sv39vm: "+format+"\n", args...)
}
