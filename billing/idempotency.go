/*
idempotency.go - Deterministic idempotency key derivation and parsing

PURPOSE:
  The idempotency key is the sole mechanism preventing double-billing.
  Upstream triggers arrive repeatedly (the source is a spreadsheet that is
  re-read on every sync), so the same placement must always derive the same
  key, on every host, in every run.

CANONICAL FORM:
  CLIENTCODE-CONTROLNUMBER-YYYYMMDD-FEETYPE

  - client code and fee type are uppercased
  - control number is stripped of anything outside [A-Za-z0-9_-], then
    uppercased
  - trigger date is formatted YYYYMMDD

DETERMINISM CONTRACT:
  DeriveKey is a pure function. Parse(DeriveKey(a,b,c,d)) recovers the
  normalized components. Parse returns ok=false on malformed input rather
  than an error; callers decide whether that is fatal.

SEE ALSO:
  - ledger.go: Enforces key uniqueness at creation
  - accounting/payload.go: Embeds the key into invoice memos
*/
package billing

import (
	"regexp"
	"strings"
	"time"
)

// KeyParts are the normalized components of an idempotency key.
type KeyParts struct {
	ClientCode    string
	ControlNumber string
	TriggerDate   time.Time // midnight UTC
	FeeType       FeeType
}

var (
	controlNumberStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

	// Canonical key shape. The control number segment may itself contain
	// dashes, so parsing anchors on the 8-digit date segment.
	keyPattern = regexp.MustCompile(`^([A-Z0-9]+)-([A-Za-z0-9_-]+)-(\d{8})-([A-Z_]+)$`)
)

// DeriveKey builds the canonical idempotency key for a trigger.
// Fails with ErrValidation if any component is empty or the date is zero.
func DeriveKey(clientCode, controlNumber string, triggerDate time.Time, feeType FeeType) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(clientCode))
	if code == "" {
		return "", &ValidationError{Field: "clientCode", Message: "must not be empty"}
	}

	ctrl := strings.ToUpper(controlNumberStrip.ReplaceAllString(controlNumber, ""))
	if ctrl == "" {
		return "", &ValidationError{Field: "controlNumber", Message: "empty after sanitization"}
	}

	if triggerDate.IsZero() {
		return "", &ValidationError{Field: "triggerDate", Message: "must be a valid date"}
	}

	ft := FeeType(strings.ToUpper(strings.TrimSpace(string(feeType))))
	if ft == "" {
		return "", &ValidationError{Field: "feeType", Message: "must not be empty"}
	}

	return code + "-" + ctrl + "-" + triggerDate.UTC().Format("20060102") + "-" + string(ft), nil
}

// ParseKey decomposes a canonical key. Returns ok=false (never an error)
// if the key does not match the canonical shape.
func ParseKey(key string) (KeyParts, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return KeyParts{}, false
	}

	date, err := time.Parse("20060102", m[3])
	if err != nil {
		return KeyParts{}, false
	}

	return KeyParts{
		ClientCode:    m[1],
		ControlNumber: m[2],
		TriggerDate:   date,
		FeeType:       FeeType(m[4]),
	}, true
}
