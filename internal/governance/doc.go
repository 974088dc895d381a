// Package governance holds the runtime safety controls applied around
// connector calls: retry with exponential backoff, per-call timeouts,
// per-connection circuit breakers and token-bucket rate limits.
//
// The work queue uses RetryPolicy to schedule retries of failed tasks; the
// connector registry wraps every connection with a CircuitBreaker and a
// RateLimiter bucket so one struggling source cannot stall the others.
package governance
