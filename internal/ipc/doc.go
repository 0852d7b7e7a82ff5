// Package ipc exposes the supervisor over JSON-RPC on a Unix domain socket and
// ships the matching client used by the CLI.
//
// Every accepted connection gets its own rpc.Server and connection-scoped
// service, so each client has a stable identity in the shared Registry and
// at most one notification subscription. Notifications are pushed to the
// client through long-polling Poll calls; the subscription is torn down when
// the connection closes.
//
// Errors cross the socket as JSON-RPC error strings. The client maps the
// well-known supervisor messages back to their sentinel errors so callers can
// keep using errors.Is.
package ipc
