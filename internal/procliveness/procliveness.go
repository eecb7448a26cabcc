// Package procliveness implements lock.ProcessProvider: "is this pid still
// alive" for the cross-process dead-holder recovery path in
// internal/lock.
package procliveness

// Provider implements lock.ProcessProvider against the host OS.
type Provider struct{}

// New returns a Provider backed by the current platform's process table.
func New() *Provider { return &Provider{} }
