package models

// AccessKind identifies the credential channel of an access attempt.
type AccessKind string

const (
	AccessQR      AccessKind = "qr"
	AccessRFID    AccessKind = "rfid"
	AccessUnknown AccessKind = "unknown"
)

// AccessEvent is one classified access attempt. Ordering comes from the
// log sequence it is appended under, not from anything the producer sent.
type AccessEvent struct {
	Kind    AccessKind `json:"kind" msgpack:"kind"`
	Success bool       `json:"success" msgpack:"success"`
	Code    string     `json:"code,omitempty" msgpack:"code,omitempty"`
	Hash    string     `json:"hash,omitempty" msgpack:"hash,omitempty"`
	Device  string     `json:"device,omitempty" msgpack:"device,omitempty"`
	Type    string     `json:"type,omitempty" msgpack:"type,omitempty"` // raw producer tag, kept for unknown kinds
	Missing []string   `json:"missing,omitempty" msgpack:"missing,omitempty"`
}

// Decision returns the access outcome. ok is false for unknown kinds,
// which must never be read as a grant or a denial.
func (e AccessEvent) Decision() (granted bool, ok bool) {
	if e.Kind != AccessQR && e.Kind != AccessRFID {
		return false, false
	}
	return e.Success, true
}

// ShortHash is the credential hash truncated for display.
func (e AccessEvent) ShortHash() string {
	r := []rune(e.Hash)
	if len(r) <= 8 {
		return e.Hash
	}
	return string(r[:8])
}

// Level is the display severity of a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// EventEntry is one operational log line: an access attempt, an unknown
// producer message, or a connection transition.
type EventEntry struct {
	ID      string       `json:"id" msgpack:"id"`
	Level   Level        `json:"level" msgpack:"level"`
	Message string       `json:"message" msgpack:"message"`
	Device  string       `json:"device,omitempty" msgpack:"device,omitempty"`
	Details string       `json:"details,omitempty" msgpack:"details,omitempty"`
	Access  *AccessEvent `json:"access,omitempty" msgpack:"access,omitempty"`
}
