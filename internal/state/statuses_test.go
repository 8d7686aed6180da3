package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{name: "Queued status", status: StatusQueued, expected: "queued"},
		{name: "Deferred status", status: StatusDeferred, expected: "deferred"},
		{name: "Processing status", status: StatusProcessing, expected: "processing"},
		{name: "Retrying status", status: StatusRetrying, expected: "retrying"},
		{name: "Canceled status", status: StatusCanceled, expected: "canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), want)
		}
		if s.IsTerminal() && s.IsPending() {
			t.Errorf("%s is both terminal and pending", s)
		}
	}
	if StatusProcessing.IsPending() || StatusProcessing.IsTerminal() {
		t.Errorf("processing must be neither pending nor terminal")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{name: "Valid: Deferred to Queued", from: StatusDeferred, to: StatusQueued, expected: true},
		{name: "Valid: Deferred to Failed", from: StatusDeferred, to: StatusFailed, expected: true},
		{name: "Valid: Queued to Processing", from: StatusQueued, to: StatusProcessing, expected: true},
		{name: "Valid: Processing to Retrying", from: StatusProcessing, to: StatusRetrying, expected: true},
		{name: "Valid: Retrying to Processing", from: StatusRetrying, to: StatusProcessing, expected: true},
		{name: "Valid: Processing to Canceled", from: StatusProcessing, to: StatusCanceled, expected: true},
		{name: "Invalid: Queued to Succeeded", from: StatusQueued, to: StatusSucceeded, expected: false},
		{name: "Invalid: Succeeded to Failed", from: StatusSucceeded, to: StatusFailed, expected: false},
		{name: "Invalid: Deferred to Processing", from: StatusDeferred, to: StatusProcessing, expected: false},
		{name: "Invalid: Failed to Processing", from: StatusFailed, to: StatusProcessing, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}
