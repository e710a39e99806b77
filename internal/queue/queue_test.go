package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPermanentMarksError(t *testing.T) {
	sentinel := errors.New("schema validation failed")

	err := Permanent(fmt.Errorf("extract note-1: %w", sentinel))
	if !IsPermanent(err) {
		t.Error("expected Permanent error to be detected")
	}
	if !errors.Is(err, sentinel) {
		t.Error("expected Permanent to preserve the wrapped cause")
	}
	if err.Error() != "extract note-1: schema validation failed" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestPermanentSurvivesFurtherWrapping(t *testing.T) {
	err := fmt.Errorf("consume: %w", Permanent(errors.New("bad payload")))
	if !IsPermanent(err) {
		t.Error("expected Permanent to be detected through wrapping")
	}
}

func TestPlainErrorIsNotPermanent(t *testing.T) {
	if IsPermanent(errors.New("store unavailable")) {
		t.Error("plain error must not be permanent")
	}
	if IsPermanent(nil) {
		t.Error("nil must not be permanent")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	delays := []time.Duration{time.Second, 15 * time.Second, time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 15 * time.Second},
		{3, time.Minute},
		{4, time.Minute}, // last entry repeats
		{9, time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(delays, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := retryDelay(nil, 1); got != 0 {
		t.Errorf("empty schedule should not delay, got %v", got)
	}
}

func TestDefaultScheduleFitsMaxDeliver(t *testing.T) {
	// JetStream rejects consumers whose backoff schedule is not shorter
	// than the delivery limit.
	if len(defaultRedeliveryDelays) >= DefaultMaxDeliver {
		t.Fatalf("redelivery schedule has %d entries, must be fewer than %d",
			len(defaultRedeliveryDelays), DefaultMaxDeliver)
	}
}
