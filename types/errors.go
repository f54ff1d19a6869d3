package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable code clients branch on.
type ErrorCode string

const (
	// Authentication / authorization.
	ErrUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrDMOnly          ErrorCode = "DM_ONLY"

	// Input validation.
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrContentTooLong ErrorCode = "CONTENT_TOO_LONG"

	// Resource absence.
	ErrRoomNotFound         ErrorCode = "ROOM_NOT_FOUND"
	ErrParticipantNotInRoom ErrorCode = "PARTICIPANT_NOT_IN_ROOM"
	ErrItemNotFound         ErrorCode = "ITEM_NOT_FOUND"
	ErrInvalidTarget        ErrorCode = "INVALID_TARGET"

	// State machine.
	ErrGameNotActive ErrorCode = "GAME_NOT_ACTIVE"
	ErrGamePaused    ErrorCode = "GAME_PAUSED"
	ErrNotYourTurn   ErrorCode = "NOT_YOUR_TURN"

	// Spatial.
	ErrOutOfBounds   ErrorCode = "OUT_OF_BOUNDS"
	ErrBlocked       ErrorCode = "BLOCKED"
	ErrOccupied      ErrorCode = "OCCUPIED"
	ErrOutOfRange    ErrorCode = "OUT_OF_RANGE"
	ErrNoLineOfSight ErrorCode = "NO_LINE_OF_SIGHT"

	// Conditions.
	ErrConditionBlocksMove   ErrorCode = "CONDITION_BLOCKS_MOVE"
	ErrConditionBlocksAttack ErrorCode = "CONDITION_BLOCKS_ATTACK"

	// Capacity.
	ErrCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrSubscriptionLimit ErrorCode = "SUBSCRIPTION_LIMIT"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"

	// Infrastructure (logged, never surfaced to clients).
	ErrPersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrBroadcastFailed   ErrorCode = "BROADCAST_FAILED"
)

// InteractionError is the typed error surfaced on the RPC and event surface.
type InteractionError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an InteractionError with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *InteractionError {
	return &InteractionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details object and returns the error.
func (e *InteractionError) WithDetails(details map[string]interface{}) *InteractionError {
	e.Details = details
	return e
}

// AsInteractionError unwraps err to an *InteractionError if possible.
func AsInteractionError(err error) (*InteractionError, bool) {
	var ie *InteractionError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// HTTPStatus maps an error code to the HTTP status the routing layer returns.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrUnauthorized, ErrDMOnly:
		return http.StatusForbidden
	case ErrRoomNotFound, ErrParticipantNotInRoom, ErrItemNotFound, ErrInvalidTarget:
		return http.StatusNotFound
	case ErrCapacityExceeded, ErrSubscriptionLimit, ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrGameNotActive, ErrGamePaused, ErrNotYourTurn:
		return http.StatusConflict
	case ErrPersistenceFailed, ErrBroadcastFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// ValidationResult is the outcome of validating (and optionally predicting)
// a turn action.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []ErrorCode  `json:"errors,omitempty"`
	Deltas []StateDelta `json:"deltas,omitempty"`
}

// Invalid is shorthand for a failed result carrying a single code.
func Invalid(code ErrorCode) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ErrorCode{code}}
}
