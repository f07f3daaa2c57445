package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ttoman/tt-wordwise/internal/autosave"
	"github.com/ttoman/tt-wordwise/internal/gitrepo"
	"github.com/ttoman/tt-wordwise/internal/grammar"
	"github.com/ttoman/tt-wordwise/internal/spell"
	"github.com/ttoman/tt-wordwise/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var limit *grammar.CostLimitError
	var throttle *grammar.ThrottleError
	switch {
	case errors.As(err, &limit):
		return http.StatusTooManyRequests, "COST_LIMIT", grammar.ErrorMessage(err),
			map[string]any{"resetTime": limit.ResetTime.UTC().Format(time.RFC3339)}
	case errors.As(err, &throttle):
		return http.StatusTooManyRequests, "THROTTLED", grammar.ErrorMessage(err),
			map[string]any{"retryAfterMs": throttle.RetryAfter.Milliseconds()}
	case errors.Is(err, grammar.ErrSentenceTooLong):
		return http.StatusUnprocessableEntity, "SENTENCE_TOO_LONG", grammar.ErrorMessage(err), nil
	case errors.Is(err, grammar.ErrSentenceTooShort):
		return http.StatusUnprocessableEntity, "SENTENCE_TOO_SHORT", grammar.ErrorMessage(err), nil
	case errors.Is(err, grammar.ErrRateLimited):
		return http.StatusServiceUnavailable, "ORACLE_BUSY", grammar.ErrorMessage(err), nil
	case errors.Is(err, grammar.ErrResponseInvalid), errors.Is(err, grammar.ErrInvalidRequest):
		return http.StatusBadGateway, "ORACLE_ERROR", grammar.ErrorMessage(err), nil
	case errors.Is(err, grammar.ErrSuggestionIndex), errors.Is(err, spell.ErrErrorIndex):
		return http.StatusNotFound, "SUGGESTION_NOT_FOUND", "Suggestion not found", nil
	case errors.Is(err, grammar.ErrSessionClosed), errors.Is(err, errSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "Editor session not found", nil
	case errors.Is(err, autosave.ErrUnknownDocument):
		return http.StatusNotFound, "DOCUMENT_NOT_OPEN", "Document is not open", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Document not found", nil
	case errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NO_HISTORY", "Document has no saved revisions", nil
	case errors.Is(err, autosave.ErrAlreadyInitialized):
		return http.StatusConflict, "ALREADY_OPEN", "Document is already open", nil
	case errors.Is(err, spell.ErrEmptyWord):
		return http.StatusBadRequest, "VALIDATION_ERROR", "No word to check", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
