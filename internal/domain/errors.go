package domain

import "errors"

// Error taxonomy shared by every component. Callers wrap these with %w and
// classify with errors.Is.
var (
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionBusy           = errors.New("session busy")
	ErrTemplateMissing       = errors.New("template missing")
	ErrContextTooLarge       = errors.New("context too large")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrGenerationTimeout     = errors.New("generation timeout")
	ErrStorage               = errors.New("storage error")
	ErrVersionConflict       = errors.New("version conflict")
)

// Kind returns a stable short name for a taxonomy error, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrTemplateMissing):
		return "template_missing"
	case errors.Is(err, ErrContextTooLarge):
		return "context_too_large"
	case errors.Is(err, ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, ErrGenerationUnavailable):
		return "generation_unavailable"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	default:
		return "internal"
	}
}
