// Package daemon wires the capture, buffering, and upload subsystems into a
// single long-running agent and enforces single-instance execution.
package daemon
