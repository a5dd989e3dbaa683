// Package cli defines the command-line flags of the gatekeeper server binary,
// each with an environment variable fallback.
package cli
