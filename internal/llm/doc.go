// Package llm holds the provider-neutral half of the request pipeline: the
// Case input schema, the Provider capability implemented by each wire family,
// the HTTP caller and the response normalizer that turns raw provider bodies
// into a uniform view.
package llm
