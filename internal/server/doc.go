// Package server wires the REST handlers and the live upgrade behind JWT
// authentication: conversation listing and resolve-or-create, message
// history, and the idempotency-backed send path.
package server
