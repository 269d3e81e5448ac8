package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		JobID:      "0a1b2c3d",
		TenantID:   "tenant-7",
		EnqueuedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestStatusKeyIsNamespaced(t *testing.T) {
	key := statusKey("job-42")
	want := "realenhance:jobs:job-42:status"
	if key != want {
		t.Fatalf("statusKey = %q, want %q", key, want)
	}
}
