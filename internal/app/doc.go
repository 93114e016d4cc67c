// Package app provides the application service layer.
//
// Presence tracking and reconciliation, proximity ranking and the subscription
// expiry sweep live here, together with the table of jobs they register on the
// scheduler. Services depend on domain interfaces, not concrete adapters.
package app
