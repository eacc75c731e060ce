package pay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a signed webhook timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	errNoSignature = errors.New("no v1 signature in header")
	errBadHeader   = errors.New("malformed signature header")
	errTooOld      = errors.New("signature timestamp outside tolerance")
	errMismatch    = errors.New("signature mismatch")
)

// VerifyHMAC validates a hex signature of body using HMAC-SHA256.
func VerifyHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}

// ComputeSignature returns the hex HMAC of "<timestamp>.<payload>".
func ComputeSignature(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds a header value in the "t=<unix>,v1=<hex>" format.
func SignatureHeader(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), ComputeSignature(payload, secret, ts))
}

type signedHeader struct {
	timestamp  time.Time
	signatures []string
}

func parseSignatureHeader(header string) (signedHeader, error) {
	var out signedHeader
	header = strings.TrimSpace(header)
	if header == "" {
		return out, errBadHeader
	}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return out, errBadHeader
		}
		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return out, errBadHeader
			}
			out.timestamp = time.Unix(unix, 0)
		case "v1":
			out.signatures = append(out.signatures, value)
		}
	}
	if out.timestamp.IsZero() {
		return out, errBadHeader
	}
	if len(out.signatures) == 0 {
		return out, errNoSignature
	}
	return out, nil
}

// VerifySignatureHeader checks a "t=..,v1=.." header against payload. Any of
// the v1 signatures may match, which allows secret rotation on the provider
// side. A tolerance <= 0 disables the timestamp check.
func VerifySignatureHeader(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	h, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		age := now.Sub(h.timestamp)
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return errTooOld
		}
	}
	signed := make([]byte, 0, len(payload)+16)
	signed = append(signed, strconv.FormatInt(h.timestamp.Unix(), 10)...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	for _, sig := range h.signatures {
		if VerifyHMAC(signed, sig, secret) {
			return nil
		}
	}
	return errMismatch
}
