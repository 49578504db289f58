// Package apperr defines the error kinds shared by the clip pipeline so that
// front-ends can tell "ask the user again" apart from "abort and clean up".
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// malformed time range or no usable media format
	KindFormat
	// end <= start
	KindRange
	// source unreachable, private, removed or unsupported
	KindSourceUnavailable
	// source exceeds the byte-size ceiling
	KindQuota
	// trim, encode or composite failure
	KindProcessing
	// speech-to-text failure; recoverable
	KindTranscription
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindRange:
		return "range"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindQuota:
		return "quota_exceeded"
	case KindProcessing:
		return "processing"
	case KindTranscription:
		return "transcription"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so errors.Is(err,
// &Error{Kind: KindQuota}) works without comparing causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is formatted like fmt.Errorf.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsValidation reports errors caused by the requester's input, which are
// answered with a corrective prompt instead of a failure message.
func IsValidation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindRange || (e.Kind == KindFormat && (e.Op == OpParse || e.Op == OpSource))
}

// ops for errors raised while checking requester input
const (
	OpParse     = "parse"
	OpSource    = "source"
	OpClipCount = "clip_count"
)

const GenericFailure = "Sorry, something went wrong while processing that video. Please try again later."

// UserMessage converts err into the single text shown to the requester.
// Internal detail is never exposed except for validation errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindRange:
		if opOf(err) == OpClipCount {
			return "Please ask for between 1 and 10 clips, each longer than zero seconds."
		}
		return "The end time must be after the start time. Please send the range again, e.g. 1:30-2:00."
	case KindFormat:
		if opOf(err) == OpSource {
			return "Please send a link to the video you want clipped."
		}
		if IsValidation(err) {
			return "I couldn't read that time range. Please use start-end, e.g. 1:30-2:00 or 90-120."
		}
	case KindQuota:
		return "That video is too large to process. Please pick a shorter range or a smaller video."
	case KindSourceUnavailable:
		return "I couldn't access that video. It may be private, removed, or the link is invalid."
	}
	return GenericFailure
}

func opOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}
