// Package domain defines the condition-timer model shared by the projector,
// the escalation engine and the acknowledgement endpoint: raw tokens as the
// facilitator authored them, and the player-safe Summary derived from them.
package domain
