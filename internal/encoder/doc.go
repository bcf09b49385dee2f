// Package encoder supervises one external FFmpeg subprocess per monitor. It
// builds the invocation for either native screen-grab input or raw-frame
// stdin input, watches the segment manifest for finalized chunks, restarts
// the process on crashes with rate limiting, and falls back from a hardware
// encoder to software exactly once.
package encoder
