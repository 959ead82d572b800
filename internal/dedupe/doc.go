// Package dedupe provides idempotency-key deduplication using a time-based
// cache to collapse duplicate message deliveries within a configurable window.
package dedupe
