package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("resource already exists")
	ErrInternal           = errors.New("internal server error")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDatabaseConnection = errors.New("database connection error")
)

// Sync core errors. Callers match them with errors.Is; the concrete error
// usually wraps one of these with more context.
var (
	// ErrNotConnected is returned by Send while the live channel is down.
	ErrNotConnected = errors.New("live channel not connected")
	// ErrAuthFailed is terminal: the supervisor does not reconnect after it.
	ErrAuthFailed        = errors.New("live channel authentication failed")
	ErrHistoryLoadFailed = errors.New("history load failed")
	ErrAckFailed         = errors.New("read acknowledgment failed")
	ErrSendTimeout       = errors.New("no echo received for sent message")
	ErrEmptyContent      = errors.New("message content is empty")
	// ErrHistoryOrder means IngestHistory was called after live ingestion
	// had already started for the conversation.
	ErrHistoryOrder = errors.New("history ingested after live events")
)
