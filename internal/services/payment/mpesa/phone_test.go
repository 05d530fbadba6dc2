package mpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhoneEquivalentForms(t *testing.T) {
	forms := []string{
		"0712345678",
		"+254712345678",
		"254712345678",
		"712345678",
		"+254 712 345 678",
		"(0712) 345-678",
	}

	for _, raw := range forms {
		t.Run(raw, func(t *testing.T) {
			got, err := NormalizePhone(raw)
			require.NoError(t, err)
			assert.Equal(t, "254712345678", got)
		})
	}
}

func TestNormalizePhoneAcceptsOnePrefix(t *testing.T) {
	got, err := NormalizePhone("0110123456")
	require.NoError(t, err)
	assert.Equal(t, "254110123456", got)
}

func TestNormalizePhoneRejectsInvalid(t *testing.T) {
	invalid := []string{
		"",
		"abc",
		"07123",
		"07123456789",
		"0812345678",
		"255712345678",
		"+2547123456780",
	}

	for _, raw := range invalid {
		t.Run(raw, func(t *testing.T) {
			_, err := NormalizePhone(raw)
			assert.ErrorIs(t, err, ErrInvalidPhoneFormat)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidateAmount(t *testing.T) {
	for _, ok := range []int64{1, 500, 150000} {
		assert.NoError(t, ValidateAmount(ok), "amount %d", ok)
	}
	for _, bad := range []int64{-1, 0, 150001, 1000000} {
		err := ValidateAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %d", bad)
		assert.ErrorIs(t, err, ErrValidation, "amount %d", bad)
	}
}
