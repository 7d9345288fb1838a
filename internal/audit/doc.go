// Package audit implements asynchronous audit event dispatch for tokenward.
//
// # Design
//
// Events are buffered in a channel and forwarded to a caller-supplied Sink by
// a single goroutine. With DropIfFull the hot path never blocks; dropped
// events are counted and exposed through Dispatcher.Dropped. Close drains the
// buffer before returning.
//
// # What this package must NOT do
//
//   - Block token issuance or validation on sink latency.
//   - Import the root tokenward package or the store packages.
package audit
