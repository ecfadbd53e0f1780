// Package orchestrator drives one agent run: it readies the shared channel,
// optionally launches the target workload, runs the agent worker and service
// host alongside it, and shuts everything down in a fixed order.
//
// Phases move strictly forward:
//
//	init -> channel_ready -> [target_started] -> running -> draining -> stopped
//
// A startup failure jumps straight to stopped.
package orchestrator
