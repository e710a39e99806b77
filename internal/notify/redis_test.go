package notify

import "testing"

func TestNewRedisSinkRejectsBadURL(t *testing.T) {
	if _, err := NewRedisSink("not-a-redis-url", ""); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}
