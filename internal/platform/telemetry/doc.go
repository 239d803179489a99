// Package telemetry records operational events for audit and incident
// analysis.
//
// Events are append-only observations (cache rebuilds, escalation dispatch
// decisions, rate-limit trips, acknowledgement outcomes). They never drive
// state; the server persists them to SQLite and the acknowledgement client
// writes them to the process log.
package telemetry
