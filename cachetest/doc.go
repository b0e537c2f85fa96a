// Package cachetest holds backend-agnostic test suites for memocache stores.
//
// Driver tests call RunStoreContract for the raw Store behaviour and
// RunRememberContract for the stampede-protected Remember path on top of it.
package cachetest
