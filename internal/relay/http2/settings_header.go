package http2

import (
	"encoding/base64"
	"encoding/binary"
)

// EncodeSettingsHeader implements the wire-level compatibility rule from
// relay's external interfaces: the base64url-without-padding encoding of
// the concatenation of 6-byte (uint16 id, uint32 value) entries, used as
// the H2C upgrade request's HTTP2-Settings header value.
func EncodeSettingsHeader(settings []Setting) string {
	buf := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(entry[2:6], s.Value)
		buf = append(buf, entry[:]...)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeSettingsHeader reverses EncodeSettingsHeader, used by a server-side
// peer (out of this client's scope) or by tests asserting wire
// compatibility round-trips.
func DecodeSettingsHeader(value string) ([]Setting, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	settings := make([]Setting, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		id := binary.BigEndian.Uint16(raw[i : i+2])
		val := binary.BigEndian.Uint32(raw[i+2 : i+6])
		settings = append(settings, Setting{ID: SettingID(id), Value: val})
	}
	return settings, nil
}
