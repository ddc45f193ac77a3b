// Package server assembles the HTTP surface: routing, the origin gate with
// its CORS contract, security headers, rate limiting and the operator token
// guard. The listener itself is started by the bootstrap sequencer once the
// backing store is reachable.
package server
