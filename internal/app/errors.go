package app

import (
	"errors"
	"fmt"
	"net/http"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/auth"
	"sitemark/api/internal/editor"
	"sitemark/api/internal/pipeline"
	"sitemark/api/internal/session"
	"sitemark/api/internal/store"
	"sitemark/api/internal/versions"
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

const (
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodePersistence       = "PERSISTENCE_ERROR"
	CodeAlreadyLinked     = "ALREADY_LINKED_ELSEWHERE"
	CodeSaveInProgress    = "SAVE_IN_PROGRESS"
	CodeEditSessionActive = "EDIT_SESSION_ACTIVE"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidCommand    = "INVALID_COMMAND"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnauthorized      = "UNAUTHORIZED"
)

func errAccessDenied() *DomainError {
	return domainError(http.StatusForbidden, CodeAccessDenied, "You do not have access to this markup", nil)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, "Markup not found", nil)
}

func errSessionNotFound() *DomainError {
	return domainError(http.StatusNotFound, CodeSessionNotFound, "Editor session not found", nil)
}

func errInvalidInput(message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidInput, message, nil)
}

// translate turns package errors into the DomainError the caller sees.
// Errors with no domain meaning pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	var persistErr *pipeline.PersistenceError
	if errors.As(err, &persistErr) {
		return domainError(http.StatusInternalServerError, CodePersistence, "Markup could not be fully saved", map[string]any{
			"metadataSaved": persistErr.MetadataSaved,
			"stage":         string(persistErr.Stage),
		})
	}

	var linkedErr *store.AlreadyLinkedError
	if errors.As(err, &linkedErr) {
		return domainError(http.StatusConflict, CodeAlreadyLinked, "Markup is already linked to another work log", map[string]any{
			"worklogId": linkedErr.WorklogID,
		})
	}

	var heldErr *session.HeldError
	if errors.As(err, &heldErr) {
		return domainError(http.StatusConflict, CodeEditSessionActive, "Markup is open for editing in another session", map[string]any{
			"userId":    heldErr.Holder.UserID,
			"sessionId": heldErr.Holder.SessionID,
		})
	}

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, versions.ErrVersionNotFound):
		return errNotFound()
	case errors.Is(err, editor.ErrEditDenied):
		return errAccessDenied()
	case errors.Is(err, editor.ErrInvalidCommand), errors.Is(err, annotation.ErrInvalidGeometry):
		return domainError(http.StatusBadRequest, CodeInvalidCommand, err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
	}
	return err
}
