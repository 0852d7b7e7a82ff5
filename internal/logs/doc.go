// Package logs reads the daemon log file for the CLI.
//
// Last returns the final N lines and the offset to resume from; Follow polls
// from an offset and hands complete lines to a callback until its context
// ends. Only newline-terminated lines are consumed, so a record the daemon is
// still writing is picked up whole on the next poll.
package logs
