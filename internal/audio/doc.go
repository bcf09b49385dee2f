// Package audio records configured input devices into rotating WAV segment
// files and hands finished chunks to the upload buffer. A chunk that never
// received audio frames is discarded instead of enqueued.
package audio
