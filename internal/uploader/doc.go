// Package uploader drains the durable buffer into the remote server. A
// single worker uploads one item at a time in FIFO order, backs off on
// failure without ever deleting an unconfirmed payload, and pushes periodic
// heartbeats that carry back runtime toggles.
package uploader
