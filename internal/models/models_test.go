package models

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestAccessEventDecision(t *testing.T) {
	cases := []struct {
		name    string
		ev      AccessEvent
		granted bool
		ok      bool
	}{
		{"qr granted", AccessEvent{Kind: AccessQR, Success: true}, true, true},
		{"rfid denied", AccessEvent{Kind: AccessRFID}, false, true},
		{"unknown never decides", AccessEvent{Kind: AccessUnknown, Success: true}, false, false},
		{"empty kind", AccessEvent{Success: true}, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			granted, ok := c.ev.Decision()
			assert.Equal(t, c.granted, granted)
			assert.Equal(t, c.ok, ok)
		})
	}
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "deadbeef", AccessEvent{Hash: "deadbeef12"}.ShortHash())
	assert.Equal(t, "ff00", AccessEvent{Hash: "ff00"}.ShortHash())

	short := AccessEvent{Hash: "ééééééééé"}.ShortHash()
	assert.Equal(t, "éééééééé", short)
	assert.True(t, utf8.ValidString(short))
}

func TestDeviceTopics(t *testing.T) {
	status, events := DeviceTopics("uniongate/", "G1")
	assert.Equal(t, "uniongate/G1/status", status)
	assert.Equal(t, "uniongate/G1/events", events)
}

func TestValidDeviceID(t *testing.T) {
	for _, id := range []string{"G1", "BAGT2212111400001", "gate-3.east"} {
		assert.True(t, ValidDeviceID(id), id)
	}
	for _, id := range []string{"", ".", "..", "../x", "a/b", "+", "G#"} {
		assert.False(t, ValidDeviceID(id), id)
	}
}

func TestReportedAt(t *testing.T) {
	assert.True(t, DeviceStatus{}.ReportedAt().IsZero())
	assert.Equal(t, int64(1700000000), DeviceStatus{Timestamp: 1700000000}.ReportedAt().Unix())
}
