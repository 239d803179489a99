// Package errors provides structured error handling with localized messages.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation
	CodeGroupIDRequired      Code = "GROUP_ID_REQUIRED"
	CodeMapIDRequired        Code = "MAP_ID_REQUIRED"
	CodeTokenIDRequired      Code = "TOKEN_ID_REQUIRED"
	CodeConditionKeyRequired Code = "CONDITION_KEY_REQUIRED"
	CodeInvalidRounds        Code = "INVALID_ROUNDS"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeSummaryVersionFormat Code = "SUMMARY_VERSION_FORMAT"

	// Identity
	CodePlayerTokenMissing  Code = "PLAYER_TOKEN_MISSING"
	CodePlayerTokenInvalid  Code = "PLAYER_TOKEN_INVALID"
	CodePlayerTokenExpired  Code = "PLAYER_TOKEN_EXPIRED"
	CodePlayerTokenMismatch Code = "PLAYER_TOKEN_MISMATCH"
	CodeNotGroupMember      Code = "NOT_GROUP_MEMBER"

	// Write guard
	CodeRateLimited Code = "RATE_LIMITED"
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// Acknowledgements
	CodeSummaryVersionConflict Code = "SUMMARY_VERSION_CONFLICT"
	CodeConditionNotActive     Code = "CONDITION_NOT_ACTIVE"

	// Storage
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeGroupIDRequired,
		CodeMapIDRequired,
		CodeTokenIDRequired,
		CodeConditionKeyRequired,
		CodeInvalidRounds,
		CodeInvalidPayload,
		CodeSummaryVersionFormat:
		return http.StatusBadRequest

	case CodePlayerTokenMissing,
		CodePlayerTokenInvalid,
		CodePlayerTokenExpired,
		CodePlayerTokenMismatch:
		return http.StatusUnauthorized

	case CodeNotGroupMember:
		return http.StatusForbidden

	case CodeRateLimited, CodeCircuitOpen:
		return http.StatusTooManyRequests

	// Conflict - the client acted on a summary that has since moved on
	case CodeSummaryVersionConflict, CodeConditionNotActive:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
