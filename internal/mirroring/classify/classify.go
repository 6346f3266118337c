// Package classify maps raw fetch failures onto an ErrorKind.
//
// Retry policy downstream is decided solely from the kind returned here, so
// the marker table is kept in one place and tested against the literal
// messages yt-dlp emits.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/podmirror/internal/core/domain"
)

type rule struct {
	kind    domain.ErrorKind
	markers []string
}

// Rows are checked in order and the first hit wins. Geo markers come first
// because yt-dlp prefixes them with "Video unavailable", and so does the
// throttling page ("This content isn't available, try again later"), which
// is why the throttle row also precedes Permanent. Permanent markers precede
// bot markers: "Private video. Sign in if you've been granted access" is not
// a bot challenge. Scheduled premieres and upcoming live events are not
// listed; they fall through to Transient.
var rules = []rule{
	{
		kind: domain.KindGeoRestricted,
		markers: []string{
			"not available in your country",
			"blocked it in your country",
			"geo restriction",
			"geo-restricted",
			"uploader has not made this video available in your country",
		},
	},
	{
		kind: domain.KindBotChallenge,
		markers: []string{
			"try again later",
			"this content isn't available",
			"rate-limited",
			"rate limited",
		},
	},
	{
		kind: domain.KindPermanent,
		markers: []string{
			"video unavailable",
			"this video has been removed",
			"removed by the uploader",
			"private video",
			"this video is private",
			"account associated with this video has been terminated",
			"video is no longer available",
			"members-only",
			"join this channel",
			"copyright claim",
			"does not exist",
			"http error 404",
			"unsupported url",
		},
	},
	{
		kind: domain.KindBotChallenge,
		markers: []string{
			"sign in to confirm you're not a bot",
			"confirm you’re not a bot",
			"sign in to confirm your age",
			"http error 429",
			"too many requests",
			"captcha",
			"unusual traffic",
			"po token",
			"http error 403",
		},
	},
}

// Classify returns the kind of a raw failure message. Unknown messages are
// Transient.
func Classify(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	if strings.TrimSpace(lower) == "" {
		return domain.KindTransient
	}
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				return r.kind
			}
		}
	}
	return domain.KindTransient
}

// Error is a failure whose kind is already known.
type Error struct {
	Kind domain.ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Infrastructure wraps an error from the artifact store or control channel.
func Infrastructure(msg string, err error) *Error {
	return &Error{Kind: domain.KindInfrastructure, Msg: msg, Err: err}
}

// FromError classifies an error. Already classified errors keep their kind
// and context errors are Transient.
func FromError(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindTransient
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTransient
	}
	return Classify(err.Error())
}
