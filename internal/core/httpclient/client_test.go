package httpclient

import (
	"testing"
	"time"
)

func TestNewOutbound_Timeout(t *testing.T) {
	if c := NewOutbound(0); c.Timeout != defaultTimeout {
		t.Fatalf("timeout=%v want default", c.Timeout)
	}
	if c := NewOutbound(3 * time.Second); c.Timeout != 3*time.Second {
		t.Fatalf("timeout=%v want 3s", c.Timeout)
	}
}
