package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
)

// Header format: "t=<unix seconds>,v1=<hex>[,v1=<hex>...]". Multiple v1
// entries appear during secret rotation; the payload is authentic if any one
// of them matches.
const (
	timestampKey = "t"
	schemeKey    = "v1"

	// DefaultTolerance bounds replay risk: a matching signature with a
	// timestamp outside this window is still rejected.
	DefaultTolerance = 300 * time.Second
)

var (
	ErrMalformedHeader  = fmt.Errorf("%w: malformed signature header", domain.ErrSignatureInvalid)
	ErrOutsideTolerance = fmt.Errorf("%w: timestamp outside tolerance window", domain.ErrSignatureInvalid)
	ErrNoMatchingDigest = fmt.Errorf("%w: no matching digest", domain.ErrSignatureInvalid)
)

// Verifier checks webhook payload signatures. The zero value uses
// DefaultTolerance and the wall clock.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify parses the signature header and requires the keyed hash of
// "<timestamp>.<payload>" to match at least one presented v1 signature, with
// the timestamp inside the tolerance window. It must run before lock
// acquisition so unauthenticated payloads never touch the record store.
func (v Verifier) Verify(payload []byte, header, secret string) error {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	issued := time.Unix(ts, 0).UTC()
	if issued.Before(now.Add(-tolerance)) || issued.After(now.Add(tolerance)) {
		return ErrOutsideTolerance
	}

	expected := digest(secret, ts, payload)
	for _, sig := range sigs {
		provided, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}
	return ErrNoMatchingDigest
}

// Sign builds a signature header for the given timestamp and payload.
// Used by tests and by senders in development.
func Sign(secret string, issued time.Time, payload []byte) string {
	ts := issued.Unix()
	return fmt.Sprintf("%s=%d,%s=%s", timestampKey, ts, schemeKey, hex.EncodeToString(digest(secret, ts, payload)))
}

func parseHeader(header string) (int64, []string, error) {
	var ts int64
	var tsSeen bool
	var sigs []string

	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedHeader
		}
		switch key {
		case timestampKey:
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedHeader
			}
			ts = parsed
			tsSeen = true
		case schemeKey:
			sigs = append(sigs, val)
		}
	}
	if !tsSeen || len(sigs) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return ts, sigs, nil
}

func digest(secret string, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return mac.Sum(nil)
}
