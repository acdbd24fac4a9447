package http2

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsHeader_RoundTrip(t *testing.T) {
	settings := []Setting{
		{ID: SettingMaxConcurrentStreams, Value: 100},
		{ID: SettingID(0x4), Value: 65535},
	}

	encoded := EncodeSettingsHeader(settings)
	assert.NotEmpty(t, encoded)

	decoded, err := DecodeSettingsHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, settings, decoded)
}

func TestSettingsHeader_EmptyInput(t *testing.T) {
	encoded := EncodeSettingsHeader(nil)
	assert.Equal(t, "", encoded)

	decoded, err := DecodeSettingsHeader(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestSettingsHeader_DecodeInvalidBase64Fails(t *testing.T) {
	_, err := DecodeSettingsHeader("not valid base64!!")
	assert.Error(t, err)
}

func TestSettingsHeader_DecodeTruncatedEntryIsIgnored(t *testing.T) {
	// 6 bytes is one full entry; 7 bytes leaves one trailing byte that
	// doesn't form a complete (id, value) pair and must be dropped rather
	// than panic on an out-of-range slice.
	raw := []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x0a, 0xff}
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	decoded, err := DecodeSettingsHeader(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 1)
	assert.Equal(t, Setting{ID: SettingMaxConcurrentStreams, Value: 10}, decoded[0])
}
