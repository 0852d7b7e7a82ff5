// Package gateway serves the supervisor over HTTP with gin.
//
// REST endpoints under /api mirror the IPC methods, /api/notifications
// upgrades to a WebSocket that pushes every node notification, and /metrics
// exposes the Prometheus registry. Clients are tracked in the same
// ipc.Registry as socket clients. When a token is configured every /api route
// requires it as a bearer token (or a token query parameter for browsers
// opening a WebSocket).
package gateway
