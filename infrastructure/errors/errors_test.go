package errors

import (
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeUnknownSeverity, "unknown severity", false),
			want: "[VAL_1003] unknown severity",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeStateWrite, "could not write dedupe state", true, errors.New("disk full")),
			want: "[STATE_5002] could not write dedupe state: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeSinkWrite, "sink write failed", false, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeMissingField, "missing required event field", false)
	err.WithDetails("field", "topic").WithDetails("reason", "absent")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "topic" {
		t.Errorf("Details[field] = %v, want topic", err.Details["field"])
	}
	if err.Details["reason"] != "absent" {
		t.Errorf("Details[reason] = %v, want absent", err.Details["reason"])
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"fatal validation error", InvalidConfig("bad yaml", errors.New("parse")), true},
		{"non-fatal envelope error", MalformedEvent("missing topic"), false},
		{"non-service error", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	svcErr := DuplicateSubscription("sub_1")
	wrapped := errors.New("context: " + svcErr.Error())

	if GetServiceError(svcErr) == nil {
		t.Error("expected ServiceError to be extracted")
	}
	if GetServiceError(wrapped) != nil {
		t.Error("expected nil for a plain wrapped error")
	}
}
