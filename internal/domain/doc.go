// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (presence.go, location.go, job.go, etc.)
// with shared types and cross-cutting interfaces. Besides small parsing and validation
// helpers there is no implementation code here - just contracts.
package domain
