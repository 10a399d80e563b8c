// Package clientcmd implements the CLI subcommands that talk to a
// running docnow server over its HTTP API.
package clientcmd
