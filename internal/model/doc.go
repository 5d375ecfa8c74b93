// Package model defines the records held by the local store: blueprints,
// foundation records, and operation log entries.
//
// Payloads are kept as canonical JSON (sorted keys, NFC strings, no HTML
// escaping) so that writing the same logical value twice produces the same
// bytes. Row-for-row idempotence of bundle ingestion depends on this.
//
// Ordering of operation log entries uses the creation timestamp with the
// logical Seq value as a tiebreaker, never the timestamp alone.
package model
