// Package probe runs the individual network measurements that feed a quality
// report: HTTP throughput, latency and jitter sampling, packet-loss trials and
// reachability batteries across DNS, HTTP, HTTPS and CDN providers.
//
// Probes hold no state between invocations. Randomness is injected so that
// simulated components can be replayed from a seed.
package probe
