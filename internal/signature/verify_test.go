package signature_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/signature"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newVerifier() signature.Verifier {
	return signature.Verifier{
		Tolerance: 300 * time.Second,
		Now:       func() time.Time { return testNow },
	}
}

// Test: a freshly signed payload verifies.
func TestVerify_Valid(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1","type":"payment.settled"}`)
	header := signature.Sign("whsec_test", testNow, payload)

	if err := v.Verify(payload, header, "whsec_test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Test: the wrong secret is rejected.
func TestVerify_WrongSecret(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1"}`)
	header := signature.Sign("whsec_test", testNow, payload)

	err := v.Verify(payload, header, "whsec_other")
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

// Test: a tampered payload is rejected.
func TestVerify_TamperedPayload(t *testing.T) {
	v := newVerifier()
	header := signature.Sign("whsec_test", testNow, []byte(`{"amount":100}`))

	err := v.Verify([]byte(`{"amount":10000}`), header, "whsec_test")
	if !errors.Is(err, signature.ErrNoMatchingDigest) {
		t.Fatalf("expected ErrNoMatchingDigest, got %v", err)
	}
}

// Test: replay protection. A correctly signed payload with a timestamp
// older than the tolerance window is rejected even though the hash matches.
func TestVerify_OutsideTolerance(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1"}`)
	header := signature.Sign("whsec_test", testNow.Add(-301*time.Second), payload)

	err := v.Verify(payload, header, "whsec_test")
	if !errors.Is(err, signature.ErrOutsideTolerance) {
		t.Fatalf("expected ErrOutsideTolerance, got %v", err)
	}

	// Future skew beyond the window is equally rejected.
	header = signature.Sign("whsec_test", testNow.Add(301*time.Second), payload)
	if err := v.Verify(payload, header, "whsec_test"); !errors.Is(err, signature.ErrOutsideTolerance) {
		t.Fatalf("expected ErrOutsideTolerance for future timestamp, got %v", err)
	}
}

// Test: a timestamp just inside the window is accepted.
func TestVerify_InsideTolerance(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1"}`)
	header := signature.Sign("whsec_test", testNow.Add(-299*time.Second), payload)

	if err := v.Verify(payload, header, "whsec_test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Test: secret rotation. The header may carry several v1 signatures, and
// one match suffices.
func TestVerify_RotatedSecrets(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1"}`)

	good := signature.Sign("whsec_new", testNow, payload)
	_, goodSig, _ := strings.Cut(good, "v1=")
	stale := signature.Sign("whsec_old", testNow, payload)
	_, staleSig, _ := strings.Cut(stale, "v1=")

	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", testNow.Unix(), staleSig, goodSig)
	if err := v.Verify(payload, header, "whsec_new"); err != nil {
		t.Fatalf("unexpected error with rotated header: %v", err)
	}
}

// Test: malformed headers.
func TestVerify_MalformedHeader(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{}`)

	cases := []string{
		"",
		"t=notanumber,v1=abcd",
		"v1=abcd",      // no timestamp
		"t=1748779200", // no signature
		"garbage",      // no k=v at all
	}
	for _, header := range cases {
		if err := v.Verify(payload, header, "whsec_test"); !errors.Is(err, signature.ErrMalformedHeader) {
			t.Errorf("header %q: expected ErrMalformedHeader, got %v", header, err)
		}
	}
}

// Test: non-hex signature values are skipped, not fatal.
func TestVerify_NonHexSignature(t *testing.T) {
	v := newVerifier()
	payload := []byte(`{"id":"evt_1"}`)
	good := signature.Sign("whsec_test", testNow, payload)
	_, goodSig, _ := strings.Cut(good, "v1=")

	header := fmt.Sprintf("t=%d,v1=zzzz,v1=%s", testNow.Unix(), goodSig)
	if err := v.Verify(payload, header, "whsec_test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
