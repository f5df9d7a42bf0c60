// Package streamerror quarantines failing streams: it fingerprints
// processing failures, persists them with the optimistic stale-write
// guard, and schedules retries.
package streamerror

import (
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"

	"sequent/internal/domain"
)

// Fingerprint derives the stable identity of a failure: the error's
// concrete type, the root cause's type, and the innermost frame of
// this module on the failing call path. Failures with the same
// fingerprint share one stream_error_hash row.
func Fingerprint(err error) domain.StreamErrorHash {
	method, line := failingFrame()
	class := errClass(err)
	cause := ""
	if root := rootCause(err); root != nil && errClass(root) != class {
		cause = errClass(root)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(class))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(cause))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", method, line)))

	return domain.StreamErrorHash{
		Hash:           fmt.Sprintf("%016x", h.Sum64()),
		ExceptionClass: class,
		CauseClass:     cause,
		Method:         method,
		Line:           line,
	}
}

// StackTrace renders the current goroutine's stack for the occurrence
// record.
func StackTrace() string {
	buf := make([]byte, 16<<10)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func errClass(err error) string {
	return fmt.Sprintf("%T", err)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// failingFrame walks the caller stack for the innermost frame of this
// module outside this package, the closest thing to the "throw site".
func failingFrame() (string, int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" &&
			strings.Contains(frame.Function, "sequent/internal/") &&
			!strings.Contains(frame.Function, "sequent/internal/streamerror") {
			return frame.Function, frame.Line
		}
		if !more {
			return "unknown", 0
		}
	}
}
