// Package logstream consumes chunked log output from streaming providers.
//
// Chunks may split a line anywhere. Lines buffers the partial tail and only
// releases complete lines, flushing whatever is left when the stream ends.
// Streams are finite and single-use. A provider fault mid-stream is reported
// in-band as a final "[ERROR] Stream interrupted" chunk so the consumer never
// waits on a stream that will not finish.
package logstream
