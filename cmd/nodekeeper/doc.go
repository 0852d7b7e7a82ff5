// Package main hosts the nodekeeper CLI entrypoint and command graph.
//
// The Cobra-based command tree has one hidden subcommand, daemon, which hosts
// the supervisor in the foreground. Every other subcommand is a thin client
// that translates terminal invocations into IPC calls against that daemon:
// node lifecycle, raw commands, configuration and provisioning, and the
// notification stream. Configuration resolution and socket discovery live in
// commandContext so subcommands only deal with presentation.
package main
