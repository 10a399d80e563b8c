// Package serverrun starts the docnow server: it opens the runtime,
// resumes active searches, serves the HTTP API, and shuts the pipeline
// down cleanly on signal.
package serverrun
