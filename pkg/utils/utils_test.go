package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSessionID(t *testing.T) {
	a := GenerateSessionID()
	b := GenerateSessionID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sess_"))
	assert.Len(t, a, len("sess_")+32)
}

func TestValidateMessage(t *testing.T) {
	assert.False(t, ValidateMessage(""))
	assert.False(t, ValidateMessage("   "))
	assert.True(t, ValidateMessage("hello"))
	assert.True(t, ValidateMessage(strings.Repeat("我", MaxMessageLength)))
	assert.False(t, ValidateMessage(strings.Repeat("a", MaxMessageLength+1)))
}
