package webhook

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"operation_id":"op-1"}`)

	sig := Sign(secret, 1700000000, body)
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("Sign() = %q", sig)
	}
	if Sign(secret, 1700000000, body) != sig {
		t.Error("Sign() should be deterministic")
	}
	if Sign(secret, 1700000001, body) == sig {
		t.Error("timestamp should be covered by the signature")
	}
	if Sign([]byte("other"), 1700000000, body) == sig {
		t.Error("secret should be covered by the signature")
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"ok":true}`)
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(secret, now.Unix(), body)

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		now       time.Time
		wantErr   error
	}{
		{"valid", sig, ts, body, now, nil},
		{"valid within tolerance", sig, ts, body, now.Add(4 * time.Minute), nil},
		{"stale", sig, ts, body, now.Add(6 * time.Minute), ErrStaleSignature},
		{"future", sig, ts, body, now.Add(-6 * time.Minute), ErrStaleSignature},
		{"tampered body", sig, ts, []byte(`{"ok":false}`), now, ErrInvalidSignature},
		{"missing prefix", strings.TrimPrefix(sig, "sha256="), ts, body, now, ErrInvalidSignature},
		{"bad timestamp", sig, "yesterday", body, now, ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, tt.signature, tt.timestamp, tt.body, tt.now, 0)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelayBefore(t *testing.T) {
	want := []time.Duration{0, time.Second, 10 * time.Second, 100 * time.Second, 1000 * time.Second}
	for i, w := range want {
		if got := delayBefore(DefaultSchedule, i+1); got != w {
			t.Errorf("delayBefore(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := delayBefore(DefaultSchedule, 9); got != 1000*time.Second {
		t.Errorf("delayBefore(9) = %v", got)
	}
	if got := delayBefore(nil, 3); got != 0 {
		t.Errorf("delayBefore(nil) = %v", got)
	}
}
