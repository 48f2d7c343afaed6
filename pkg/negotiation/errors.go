package negotiation

import "errors"

var (
	ErrClosed             = errors.New("negotiation closed")
	ErrAlreadyBound       = errors.New("connection already bound")
	ErrNoConnection       = errors.New("no connection bound")
	ErrTracksNotAttached  = errors.New("local tracks not attached")
	ErrWrongRole          = errors.New("operation not allowed for role")
	ErrAlreadyCreated     = errors.New("local description already created")
	ErrAlreadyApplied     = errors.New("remote description already applied")
	ErrRemoteNotApplied   = errors.New("remote description not applied")
	ErrLocalNotApplied    = errors.New("local description not applied")
	ErrUnexpectedDescType = errors.New("unexpected description type")
	ErrCandidateRejected  = errors.New("remote candidate rejected")
)
