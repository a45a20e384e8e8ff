// Package api exposes the pipeline over HTTP: POST /v1/run accepts a Case and
// answers with its envelope, alongside health and metrics endpoints.
package api
