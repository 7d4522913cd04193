package domain

import "github.com/cockroachdb/errors"

// Error taxonomy. Wrapped errors are marked with these sentinels so callers classify with errors.Is.
var (
	ErrSourceUnavailable       = errors.New("source unavailable")
	ErrDuplicateFiling         = errors.New("duplicate filing")
	ErrFetchFailed             = errors.New("fetch failed")
	ErrAnalysisStagePartial    = errors.New("analysis stage partial")
	ErrAnalysisTimeout         = errors.New("analysis timeout")
	ErrLinkResolutionAmbiguous = errors.New("link resolution ambiguous")

	ErrNotFound          = errors.New("not found")
	ErrAnalysisExists    = errors.New("analysis already exists")
	ErrStaleState        = errors.New("stale processing state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidFiling     = errors.New("invalid filing reference")
)

// Newf builds a formatted error marked with kind.
func Newf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Mark wraps err with msg and marks it with kind. Nil stays nil.
func Mark(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}
