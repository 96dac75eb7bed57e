// Package classify turns raw broker payloads into typed messages.
//
// Producers send loosely typed JSON: fields may be missing, numbers may be
// strings, and new type tags appear without notice. Classification is
// permissive. Absent fields are recorded as missing rather than rejected and
// unrecognized tags become UnknownMessage. Only undecodable bytes are errors.
package classify

import "github.com/stepherg/gatedash/internal/models"

// Kind is the discriminated variant of a Message.
type Kind string

const (
	KindStatus  Kind = "status"
	KindQR      Kind = "qr"
	KindRFID    Kind = "rfid"
	KindUnknown Kind = "unknown"
)

// Message is the closed set {StatusMessage, AccessMessage, UnknownMessage}.
type Message interface {
	Kind() Kind
	message()
}

// StatusMessage carries device telemetry.
type StatusMessage struct {
	Status models.DeviceStatus
}

// AccessMessage carries one QR or RFID access attempt.
type AccessMessage struct {
	Event models.AccessEvent
}

// UnknownMessage is a decodable record without a recognized type tag.
type UnknownMessage struct {
	Type   string
	Device string
	Fields map[string]any
}

func (StatusMessage) Kind() Kind { return KindStatus }
func (m AccessMessage) Kind() Kind {
	if m.Event.Kind == models.AccessRFID {
		return KindRFID
	}
	return KindQR
}
func (UnknownMessage) Kind() Kind { return KindUnknown }

func (StatusMessage) message()  {}
func (AccessMessage) message()  {}
func (UnknownMessage) message() {}

// AsAccessEvent renders an unknown message as an access event of unknown
// kind so it can be logged next to real access attempts.
func (m UnknownMessage) AsAccessEvent() models.AccessEvent {
	return models.AccessEvent{Kind: models.AccessUnknown, Device: m.Device, Type: m.Type}
}
