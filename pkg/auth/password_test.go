package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("Correct-Horse1")
	require.NoError(t, err)
	assert.NotEqual(t, "Correct-Horse1", hash)

	assert.NoError(t, ComparePassword(hash, "Correct-Horse1"))
	assert.Error(t, ComparePassword(hash, "Wrong-Horse1"))
}

func TestHashPassword_Empty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestNewRefreshSecret_UniqueAndHashable(t *testing.T) {
	a, err := NewRefreshSecret()
	require.NoError(t, err)
	b, err := NewRefreshSecret()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, HashRefreshSecret(a), HashRefreshSecret(a))
	assert.NotEqual(t, HashRefreshSecret(a), HashRefreshSecret(b))
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Sufficient1Pass", false},
		{"too short", "Ab1", true},
		{"no uppercase", "alllower1pass", true},
		{"no lowercase", "ALLUPPER1PASS", true},
		{"no digit", "NoDigitsHere", true},
		{"common", "password123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPasswordValidationError_GenericMessage(t *testing.T) {
	err := ValidatePassword("weak")
	require.Error(t, err)
	// User-facing message stays generic regardless of which rule failed
	assert.Equal(t, "invalid password", err.Error())
}
