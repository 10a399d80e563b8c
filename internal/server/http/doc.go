// Package httpserver exposes the search lifecycle and queue
// observability over HTTP: search CRUD with streaming activation,
// committed-post listing, queue stats, health, and prometheus metrics.
package httpserver
