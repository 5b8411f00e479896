// Package pipeline provides the request pipeline orchestrator.
//
// Every inbound request runs through a fixed, strictly ordered list of
// stages. Each stage either continues, answers the request early, or fails
// it with a terminal disposition.
//
// # Stages
//
//	validate         size ceilings, character-set sanitation, NFC canonical copy
//	idempotency      IN_FLIGHT claim or replay of a completed snapshot
//	rate_limit       token bucket admission
//	route            method, path and version matching
//	execute          breaker-gated backend call with bounded retries
//	format_response  header hygiene, snapshot commit, per-request headers
//	enqueue_webhook  202 Accepted and a delivery job for async routes
//
// # Outcomes
//
// A stage returning Respond skips straight to format_response, which ends the
// run. A stage returning Fail ends the run immediately; no later stage is
// entered. If the request holds an IN_FLIGHT idempotency record when it
// fails, the record is released so the client may retry.
//
// Calls that must not be abandoned halfway (the backend call, the snapshot
// commit and the webhook enqueue) run detached from the caller's
// cancellation.
package pipeline
