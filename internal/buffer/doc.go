// Package buffer is the crash-safe disk-backed FIFO of pending uploads.
// Every item is a metadata/payload file pair written atomically; readers
// never observe a half-written item, and nothing is deleted before the
// upload is confirmed or the item is evicted by capacity or age.
package buffer
