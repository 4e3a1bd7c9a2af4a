package sip

import (
	"testing"
)

func newTestRouter(t *testing.T, pattern string) *Router {
	t.Helper()
	r, err := NewRouter(pattern)
	if err != nil {
		t.Fatalf("NewRouter(%q): %v", pattern, err)
	}
	return r
}

func TestClassify(t *testing.T) {
	r := newTestRouter(t, `^\d{4}$`)

	tests := []struct {
		dialed string
		kind   RouteKind
		ext    string
	}{
		{"1001", RouteInternal, "1001"},
		{"9999", RouteInternal, "9999"},
		{"*1001", RouteVoicemailAccess, "1001"},
		{"*42", RouteVoicemailAccess, "42"},
		{"911", RouteEmergency, "911"},
		{"9911", RouteEmergency, "9911"},
		{"0", RouteAttendant, ""},
		{"70", RouteParking, "70"},
		{"79", RouteParking, "79"},
		{"8001", RouteQueue, "8001"},
		{"8999", RouteQueue, "8999"},

		{"12", RouteNone, ""},
		{"12345", RouteNone, ""},
		{"", RouteNone, ""},
		{"*", RouteNone, ""},
		{"abcd", RouteNone, ""},
		{"99110", RouteNone, ""},
		{"700", RouteNone, ""},
		{"80011", RouteNone, ""},
	}

	for _, tt := range tests {
		dest := r.Classify(tt.dialed)
		if dest.Kind != tt.kind {
			t.Errorf("Classify(%q) kind = %s, want %s", tt.dialed, dest.Kind, tt.kind)
		}
		if dest.Extension != tt.ext {
			t.Errorf("Classify(%q) extension = %q, want %q", tt.dialed, dest.Extension, tt.ext)
		}
	}
}

func TestClassifyFeatureCodesWinOverInternal(t *testing.T) {
	// A greedy internal pattern must not swallow the feature prefixes.
	r := newTestRouter(t, `^\d+$`)

	tests := []struct {
		dialed string
		kind   RouteKind
	}{
		{"911", RouteEmergency},
		{"0", RouteAttendant},
		{"75", RouteParking},
		{"8123", RouteQueue},
		{"1001", RouteInternal},
		{"123456", RouteInternal},
	}

	for _, tt := range tests {
		if got := r.Classify(tt.dialed).Kind; got != tt.kind {
			t.Errorf("Classify(%q) = %s, want %s", tt.dialed, got, tt.kind)
		}
	}
}

func TestClassifyCustomInternalPattern(t *testing.T) {
	r := newTestRouter(t, `^[2-3]\d{2}$`)

	if got := r.Classify("201").Kind; got != RouteInternal {
		t.Errorf("Classify(201) = %s, want internal", got)
	}
	if got := r.Classify("1001").Kind; got != RouteNone {
		t.Errorf("Classify(1001) = %s, want none", got)
	}
}

func TestNewRouterInvalidPattern(t *testing.T) {
	if _, err := NewRouter(`^(\d{4}$`); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
