package utils

import (
	"crypto/rand"
	"math/big"
)

const referenceCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateReference generates an account reference such as "AGP7K2M9QXZ".
// M-Pesa shows at most 12 characters of it on the payer's handset.
func GenerateReference(prefix string) string {
	result := make([]byte, 8)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(referenceCharset))))
		if err != nil {
			n = big.NewInt(int64(i))
		}
		result[i] = referenceCharset[n.Int64()]
	}
	return prefix + string(result)
}
