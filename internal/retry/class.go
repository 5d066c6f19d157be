package retry

import (
	"context"
	"errors"
	"strings"
)

// Class buckets a failed remote call by how it should be retried.
type Class string

const (
	// ClassFatal failures (auth, checkpoint) are never retried.
	ClassFatal Class = "fatal"
	// ClassRateLimited failures back off linearly in ten minute steps.
	ClassRateLimited Class = "rate_limited"
	// ClassTransient failures back off exponentially from ten seconds.
	ClassTransient Class = "transient"
	// ClassUnknown failures wait 30 to 60 seconds.
	ClassUnknown Class = "unknown"
)

var (
	fatalMarkers       = []string{"403", "csrf", "challenge_required", "login_required"}
	rateLimitedMarkers = []string{"rate limit", "please wait", "spam"}
	transientMarkers   = []string{"connection", "timeout", "network"}
)

// Classify inspects err. A nil error has no class. Classification already
// carried by a *Error wins over the text.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) && re.Class != "" {
		return re.Class
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, fatalMarkers):
		return ClassFatal
	case containsAny(msg, rateLimitedMarkers):
		return ClassRateLimited
	case errors.Is(err, context.DeadlineExceeded), containsAny(msg, transientMarkers):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// IsFatal reports whether err classifies as ClassFatal.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
