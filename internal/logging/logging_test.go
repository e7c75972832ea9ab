package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestSetupAppliesLevel(t *testing.T) {
	Setup("error", "json")
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	Setup("info", "console")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
