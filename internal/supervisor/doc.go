// Package supervisor owns the node lifecycle.
//
// A Supervisor runs at most one node session at a time and linearizes every
// lifecycle transition (Stopped, Starting, Running, Stopping) under a single
// mutex. Commands and configuration calls share one single-slot semaphore so
// the node never sees two of them at once. Notification lines reported by
// the node are pushed into a bounded per-session queue and drained by a pump
// goroutine into the notify.Hub, so the node is never blocked by slow
// subscribers.
package supervisor
