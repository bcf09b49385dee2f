// Package video owns screen capture end to end: the set of per-monitor
// pipelines, the capture-mode state machine with retry, legacy fallback and
// recovery, the topology watcher, stall detector and disk-space guard, and
// the hand-off of finalized chunks into the upload buffer.
package video
