// Package governance holds the runtime safety controls shared by the
// transform client and the HTTP surfaces: retries with a fixed or growing
// delay, a circuit breaker guarding the transform service, and per-client
// token bucket rate limiting.
package governance
