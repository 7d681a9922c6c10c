package messaging

import (
	"strings"
	"testing"
)

func TestSubjectConstants_FollowNamingConvention(t *testing.T) {
	// Subjects should follow the pattern: {domain}.{resource}.{action}
	subjects := []string{
		SubjectObservablesSubmit,
		SubjectObservablesCreated,
	}

	for _, subject := range subjects {
		parts := strings.Split(subject, ".")
		if len(parts) != 3 {
			t.Errorf("subject %q does not follow {domain}.{resource}.{action} pattern", subject)
		}
		if parts[0] != "intel" {
			t.Errorf("subject %q should start with 'intel.'", subject)
		}
	}
}

func TestDLQSubject(t *testing.T) {
	tests := []struct {
		reason   string
		expected string
	}{
		{"decode", "intel.dlq.decode"},
		{"backend", "intel.dlq.backend"},
		{"", "intel.dlq.unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := DLQSubject(tt.reason); got != tt.expected {
				t.Errorf("DLQSubject(%q) = %q, want %q", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestDLQSubject_OutsideWorkQueue(t *testing.T) {
	if strings.HasPrefix(DLQSubject("decode"), SubjectObservablesSubmit) {
		t.Error("dlq subjects must not be captured by the work queue subject")
	}
}
