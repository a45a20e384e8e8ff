// Package mysql provides a read-only RAG document store backed by a MySQL
// table keyed by rag id.
package mysql
