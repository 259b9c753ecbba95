// Package document parses, normalizes, validates and fingerprints
// configuration documents.
//
// Load is the single entry point used on submission: Parse (YAML, which
// also accepts JSON, unknown fields rejected), ApplyDefaults (so the stored
// version is self-contained), then Validate. Every failure wraps
// types.ErrInvalidConfig; Validate reports all problems at once through
// *ValidationError.
//
// Digest fingerprints a whole document and GroupDigest a single group.
// The control plane uses group digests to reuse live workers when a new
// version leaves a group unchanged.
package document
