package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***e@e*****e.o*g", MaskEmail("alice@example.org"))
	assert.Equal(t, "*@e*****e.com", MaskEmail("a@example.com"))
	assert.Equal(t, "not-an-address", MaskEmail("not-an-address"))
	assert.Equal(t, "trailing@", MaskEmail("trailing@"))
}

func TestMaskMessageID(t *testing.T) {
	assert.Equal(t, "1**********t@mail.example.com", MaskMessageID("1234569.acct@mail.example.com"))
	assert.Equal(t, "a**c", MaskMessageID("abbc"))
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: "warn", Format: "json", Sanitize: true})
	log.Info().Msg("dropped")
	log.Warn().Str("from", Addr("alice@example.org")).Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "a***e@e*****e.o*g", line["from"])
}
