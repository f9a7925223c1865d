// Package license implements the offline license trust core: parsing of
// signed license documents, Ed25519 signature verification, the validity
// state machine with grace-period semantics, and the manager that caches
// validation results for the hot path.
//
// Validation is idempotent and side-effect free. Checks run in a fixed
// order — structural parse, signature, product identity, hardware binding,
// temporal window — and stop at the first failure so that no diagnostic
// detail leaks through timing of later checks.
package license
