// Package redis provides a read-only RAG document store backed by Redis
// string keys.
package redis
