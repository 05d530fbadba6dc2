package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDopplerClient_FallsBackWithoutCLI(t *testing.T) {
	t.Setenv("PATH", "")
	client := NewDopplerClient("agripay", "dev")

	assert.Error(t, client.Initialize())
	assert.Equal(t, "fallback", client.GetSecretWithFallback("MPESA_PASSKEY", "fallback"))
}
