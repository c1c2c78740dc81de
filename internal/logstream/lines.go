// ABOUTME: Line buffering over chunked log streams: partial lines are held until their newline arrives.
// ABOUTME: Also provides the single-use sequence wrapper and the stream-interrupted marker chunk.

package logstream

import (
	"iter"
	"strings"
	"sync/atomic"
)

// InterruptedPrefix starts the marker chunk emitted when a stream fails midway.
const InterruptedPrefix = "\n[ERROR] Stream interrupted: "

// Interrupted returns the final marker chunk for a stream that failed with err.
func Interrupted(err error) string {
	return InterruptedPrefix + err.Error()
}

// Splitter accumulates chunks and hands out complete lines.
// The zero value is ready to use.
type Splitter struct {
	partial strings.Builder
}

// Push adds a chunk and returns every line it completed, without newlines.
func (s *Splitter) Push(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			s.partial.WriteString(chunk)
			return lines
		}
		s.partial.WriteString(chunk[:i])
		lines = append(lines, strings.TrimSuffix(s.partial.String(), "\r"))
		s.partial.Reset()
		chunk = chunk[i+1:]
	}
}

// Flush returns the trailing partial line, if any, and resets the buffer.
func (s *Splitter) Flush() (string, bool) {
	if s.partial.Len() == 0 {
		return "", false
	}
	line := strings.TrimSuffix(s.partial.String(), "\r")
	s.partial.Reset()
	return line, true
}

// Lines re-chunks a stream into complete lines, yielding each as soon as its
// newline is seen. A trailing partial line is yielded when chunks ends.
func Lines(chunks iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		var s Splitter
		for chunk := range chunks {
			for _, line := range s.Push(chunk) {
				if !yield(line) {
					return
				}
			}
		}
		if line, ok := s.Flush(); ok {
			yield(line)
		}
	}
}

// Once wraps seq so that only the first range over it produces values.
// Later ranges see an empty sequence.
func Once[T any](seq iter.Seq[T]) iter.Seq[T] {
	var used atomic.Bool
	return func(yield func(T) bool) {
		if used.Swap(true) {
			return
		}
		for v := range seq {
			if !yield(v) {
				return
			}
		}
	}
}

// Producer writes chunks through emit until done. emit returns false when the
// consumer stopped reading; the producer should return promptly then.
type Producer func(emit func(string) bool) error

// FromProducer adapts a producer into a single-use chunk sequence. A producer
// error becomes a final Interrupted marker chunk instead of a panic or hang.
func FromProducer(produce Producer) iter.Seq[string] {
	return Once(func(yield func(string) bool) {
		stopped := false
		err := produce(func(chunk string) bool {
			if stopped {
				return false
			}
			if !yield(chunk) {
				stopped = true
			}
			return !stopped
		})
		if err != nil && !stopped {
			yield(Interrupted(err))
		}
	})
}
