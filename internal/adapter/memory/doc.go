// Package memory provides process-local implementations of the domain stores and
// the job queue for single-instance mode and for tests. State is lost on restart.
package memory
