// Package agent runs a Case through the allowlist gate, prompt and RAG
// resolution, payload construction, the provider call and normalization, and
// records per-step timings and failures in the result envelope.
package agent
