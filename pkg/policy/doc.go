// Package policy decides, with an embedded Open Policy Agent engine, whether
// a proxied page is cloaked, passed through untouched, or refused.
//
// Decisions are written in Rego. The engine prepares each entrypoint once,
// caches decisions for identical requests, and falls back to a configured
// posture when evaluation fails so a broken policy never takes pages down.
package policy
