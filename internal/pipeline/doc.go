// Package pipeline glues one capture source to one encoder process. Frames
// are tagged with a generation at submission and drained by a single writer
// goroutine; a restart bumps the generation so stale frames queued before it
// are discarded instead of written into the new encoder instance.
package pipeline
