package bandit

import (
	"fmt"
	"strings"
)

// Style is a response verbosity arm.
type Style string

const (
	Concise  Style = "concise"
	Detailed Style = "detailed"
	Verbose  Style = "verbose"
)

// Styles lists every arm in tie-break order.
var Styles = []Style{Concise, Detailed, Verbose}

// ParseStyle accepts a style name case-insensitively.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case Concise:
		return Concise, nil
	case Detailed:
		return Detailed, nil
	case Verbose:
		return Verbose, nil
	}
	return "", fmt.Errorf("unknown response style %q (valid: concise, detailed, verbose)", s)
}

// Context is the technician state the selector conditions on.
type Context struct {
	Hour             int
	InteractionCount int
	RecentErrors     int
	PreferredStyle   Style
}

// Bucket is a discretized Context.
type Bucket struct {
	TimeOfDay    string `json:"time_of_day"`
	Interactions string `json:"interactions"`
	Errors       string `json:"errors"`
}

func (b Bucket) String() string {
	return b.TimeOfDay + "/" + b.Interactions + "/" + b.Errors
}

// BucketFor discretizes a context into time of day, experience and error level.
func BucketFor(c Context) Bucket {
	var b Bucket
	switch {
	case c.Hour < 12:
		b.TimeOfDay = "morning"
	case c.Hour < 18:
		b.TimeOfDay = "afternoon"
	default:
		b.TimeOfDay = "evening"
	}
	switch {
	case c.InteractionCount < 5:
		b.Interactions = "low"
	case c.InteractionCount < 20:
		b.Interactions = "medium"
	default:
		b.Interactions = "high"
	}
	switch {
	case c.RecentErrors == 0:
		b.Errors = "none"
	case c.RecentErrors < 3:
		b.Errors = "some"
	default:
		b.Errors = "many"
	}
	return b
}
