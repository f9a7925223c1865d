// Package http contains the HTTP handlers for the trust service: license
// status and activation, certificate issuance and sync, and the key-gated
// admin surface (key rotation, audit verification, backups, setup).
package http
