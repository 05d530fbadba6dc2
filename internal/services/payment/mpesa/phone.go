package mpesa

import (
	"regexp"
	"strings"
)

const (
	// CountryCode is the Kenyan dialling prefix every normalized number starts with
	CountryCode = "254"

	// MinAmount and MaxAmount bound a single STK push, in whole shillings
	MinAmount int64 = 1
	MaxAmount int64 = 150000
)

// Safaricom subscriber numbers: 2547XXXXXXXX and 2541XXXXXXXX
var canonicalPhone = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts local (07..), international (+254..) and bare (254..)
// forms into the canonical 254XXXXXXXXX form.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	digits = strings.TrimPrefix(digits, "0")
	if !strings.HasPrefix(digits, CountryCode) {
		digits = CountryCode + digits
	}

	if !canonicalPhone.MatchString(digits) {
		return "", ErrInvalidPhoneFormat
	}
	return digits, nil
}

// ValidateAmount checks the inclusive [MinAmount, MaxAmount] range
func ValidateAmount(amount int64) error {
	if amount < MinAmount || amount > MaxAmount {
		return ErrInvalidAmount
	}
	return nil
}
