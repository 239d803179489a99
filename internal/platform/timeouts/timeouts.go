// Package timeouts defines shared timeout constants used by the server and
// the acknowledgement client.
package timeouts

import "time"

// AckRequest caps one acknowledgement write from the client. It stays short so
// an unreachable server falls back to the offline queue quickly.
const AckRequest = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Dispatch bounds one escalation dispatch pass, which runs detached from the
// request that triggered it.
const Dispatch = 30 * time.Second
