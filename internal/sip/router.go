package sip

import (
	"regexp"
)

// RouteKind classifies a dialed number.
type RouteKind int

const (
	// RouteNone means nothing in the dialplan matched.
	RouteNone RouteKind = iota
	// RouteVoicemailAccess is *<ext>: the mailbox menu for <ext>.
	RouteVoicemailAccess
	// RouteEmergency is 911 or 9911.
	RouteEmergency
	// RouteAttendant is the auto-attendant (0).
	RouteAttendant
	// RouteParking is a call-parking slot (7x).
	RouteParking
	// RouteQueue is a call queue (8xxx).
	RouteQueue
	// RouteInternal matched the internal extension pattern.
	RouteInternal
)

func (k RouteKind) String() string {
	switch k {
	case RouteVoicemailAccess:
		return "voicemail_access"
	case RouteEmergency:
		return "emergency"
	case RouteAttendant:
		return "attendant"
	case RouteParking:
		return "parking"
	case RouteQueue:
		return "queue"
	case RouteInternal:
		return "internal"
	default:
		return "none"
	}
}

// Destination is the result of dialplan classification.
type Destination struct {
	Kind RouteKind
	// Extension is the target extension: the capture for voicemail
	// access, the dialed number for internal routes.
	Extension string
}

var (
	voicemailAccessRe = regexp.MustCompile(`^\*(\d+)$`)
	emergencyRe       = regexp.MustCompile(`^9?911$`)
	attendantRe       = regexp.MustCompile(`^0$`)
	parkingRe         = regexp.MustCompile(`^7\d$`)
	queueRe           = regexp.MustCompile(`^8\d{3}$`)
)

// Router classifies dialed numbers. Patterns are evaluated in fixed
// order with the configurable internal pattern last before rejection.
type Router struct {
	internal *regexp.Regexp
}

// NewRouter compiles the internal extension pattern.
func NewRouter(internalPattern string) (*Router, error) {
	re, err := regexp.Compile(internalPattern)
	if err != nil {
		return nil, err
	}
	return &Router{internal: re}, nil
}

// Classify maps a dialed user part to a destination. The feature
// prefixes win over the internal pattern, so a pattern like ^\d+$
// cannot shadow parking or queue numbers.
func (r *Router) Classify(dialed string) Destination {
	if m := voicemailAccessRe.FindStringSubmatch(dialed); m != nil {
		return Destination{Kind: RouteVoicemailAccess, Extension: m[1]}
	}
	if emergencyRe.MatchString(dialed) {
		return Destination{Kind: RouteEmergency, Extension: dialed}
	}
	if attendantRe.MatchString(dialed) {
		return Destination{Kind: RouteAttendant}
	}
	if parkingRe.MatchString(dialed) {
		return Destination{Kind: RouteParking, Extension: dialed}
	}
	if queueRe.MatchString(dialed) {
		return Destination{Kind: RouteQueue, Extension: dialed}
	}
	if r.internal.MatchString(dialed) {
		return Destination{Kind: RouteInternal, Extension: dialed}
	}
	return Destination{Kind: RouteNone}
}
