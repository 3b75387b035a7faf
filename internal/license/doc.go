// Package license implements the license activation and abuse-detection core:
// the key generator, the admission engine that decides whether an activation
// attempt is admitted, the abuse detector that correlates attempts into
// security events, and the expiration sweeper.
//
// The package owns the activation state machine (pending, active, expired,
// revoked) and the failure taxonomy surfaced to clients. Persistence is
// abstracted behind the Store interface; the sqlite implementation lives in
// internal/store.
//
// Binding model: a key remembers only its most recent hardware fingerprint
// (single-slot binding) while counting activations against MaxActivations.
// A multi-seat key therefore cannot tell which machines hold its slots, only
// the last one that activated. This mirrors the upstream product behavior and
// is kept deliberately; a set-of-bindings model would be a schema change, not
// a bug fix.
package license
