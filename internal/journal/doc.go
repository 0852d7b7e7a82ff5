// Package journal persists notification history, node session outcomes, and
// daemon flags in SQLite.
//
// The Store implements notify.Sink so every published notification is
// appended as it is fanned out. History is bounded by a retention count. The
// settings table carries the first-start flag that decides whether the daemon
// provisions the working directory from scratch on boot.
package journal
