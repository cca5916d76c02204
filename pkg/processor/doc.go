// Package processor is the client boundary to the external payment
// processor, the system of record for charges.
//
// The Gateway interface covers the outbound surface the billing ledgers
// need: customer and subscription management, invoice retrieval, payment
// method attachment, setup intents, and webhook signature verification.
// HTTPClient implements it against the processor's REST API with bounded
// request timeouts and a short exponential backoff on transient failures.
//
// Transient errors (network failures, 5xx responses) surface as
// *ProcessorUnavailableError after retries exhaust. Processor-side
// rejections (4xx) surface as *APIError and are never retried.
package processor
