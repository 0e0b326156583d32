package persistence

import (
	"testing"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

func TestDecodeJSON_EmptyColumns(t *testing.T) {
	for _, s := range []string{"", "null"} {
		p, err := decodeJSON[api.Payload](s)
		if err != nil {
			t.Fatalf("decodeJSON(%q) failed: %v", s, err)
		}
		if p != nil {
			t.Fatalf("expected nil payload for %q, got %v", s, p)
		}
	}
}

func TestDecodeJSON_Address(t *testing.T) {
	s, err := encodeJSON(api.Address{Name: "Ada", City: "Turku", PostalCode: "20100"})
	if err != nil {
		t.Fatalf("encodeJSON failed: %v", err)
	}
	if s != `{"name":"Ada","street":"","city":"Turku","postal_code":"20100","country":""}` {
		t.Fatalf("unexpected column text %s", s)
	}

	if _, err := decodeJSON[api.Address]("{broken"); err == nil {
		t.Fatalf("expected error for malformed column")
	}
}

func TestNanos_ZeroIsUnset(t *testing.T) {
	if toNanos(time.Time{}) != 0 {
		t.Fatalf("zero time should encode as 0")
	}
	if !fromNanos(0).IsZero() {
		t.Fatalf("0 should decode as the zero time")
	}

	now := time.Now()
	if got := fromNanos(toNanos(now)); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}
