// Package shm owns the named shared-memory ring segment used for messaging between
// the agent and the target process.
//
// Ownership boundary:
// - segment creation, mapping, teardown and unlinking
// - single-producer/single-consumer record transport
//
// Record semantics belong to the agent worker's handlers; this package only moves
// frame-encoded records.
//
// Segment layout:
//
//	[0:64)   control block: magic, version, capacity, write cursor, read cursor, terminate flag
//	[64:...) ring bytes, capacity is a power of two
package shm
