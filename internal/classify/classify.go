package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/metrics"
	"github.com/stepherg/gatedash/internal/models"
)

// ErrMalformedPayload marks bytes that are not a UTF-8 JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

var statusFields = []string{"device", "latitude", "longitude", "timestamp", "status",
	"cpu_percent", "ram_percent", "ram_used_mb", "ram_total_mb"}

// Classify decodes payload and branches on its "type" tag. fallback is the
// kind assumed when the tag is absent: KindStatus on single-purpose status
// topics, KindUnknown elsewhere.
func Classify(payload []byte, fallback Kind) (Message, error) {
	rec, err := decode(payload)
	if err != nil {
		return nil, err
	}
	tag := strings.ToLower(strings.TrimSpace(str(rec["type"])))
	kind := fallback
	if tag != "" {
		kind = kindOf(tag)
	}
	switch kind {
	case KindStatus:
		return StatusMessage{Status: deviceStatus(rec)}, nil
	case KindQR:
		return AccessMessage{Event: accessEvent(rec, models.AccessQR, "qr_hash")}, nil
	case KindRFID:
		return AccessMessage{Event: accessEvent(rec, models.AccessRFID, "card_hash")}, nil
	default:
		return UnknownMessage{Type: tag, Device: str(rec["device"]), Fields: rec}, nil
	}
}

func kindOf(tag string) Kind {
	switch tag {
	case "status", "telemetry", "heartbeat":
		return KindStatus
	case "qr":
		return KindQR
	case "rfid":
		return KindRFID
	}
	return KindUnknown
}

func decode(payload []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}
	return rec, nil
}

func deviceStatus(rec map[string]any) models.DeviceStatus {
	var st models.DeviceStatus
	var missing []string
	for _, key := range statusFields {
		v, ok := rec[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if !setStatusField(&st, key, v) {
			missing = append(missing, key)
		}
	}
	st.Missing = missing
	return st
}

func setStatusField(st *models.DeviceStatus, key string, v any) bool {
	switch key {
	case "device":
		st.DeviceID = str(v)
		return st.DeviceID != ""
	case "status":
		switch s := models.DeviceState(strings.ToLower(str(v))); s {
		case models.DeviceOnline, models.DeviceOffline:
			st.Status = s
			return true
		}
		return false
	case "timestamp":
		f, ok := num(v)
		st.Timestamp = int64(f)
		return ok
	}
	f, ok := num(v)
	if !ok {
		return false
	}
	switch key {
	case "latitude":
		st.Latitude = f
	case "longitude":
		st.Longitude = f
	case "cpu_percent":
		st.CPUPercent = f
	case "ram_percent":
		st.RAMPercent = f
	case "ram_used_mb":
		st.RAMUsedMB = f
	case "ram_total_mb":
		st.RAMTotalMB = f
	}
	return true
}

// accessEvent shapes QR and RFID records identically apart from the hash key.
func accessEvent(rec map[string]any, kind models.AccessKind, hashKey string) models.AccessEvent {
	ev := models.AccessEvent{Kind: kind, Type: string(kind)}
	if v, ok := rec["success"]; ok && v != nil {
		b, err := cast.ToBoolE(normalize(v))
		if err == nil {
			ev.Success = b
		} else {
			ev.Missing = append(ev.Missing, "success")
		}
	} else {
		ev.Missing = append(ev.Missing, "success")
	}
	if ev.Code = str(rec["code"]); ev.Code == "" {
		ev.Missing = append(ev.Missing, "code")
	}
	ev.Hash = str(rec[hashKey])
	if ev.Hash == "" {
		ev.Hash = str(rec["hash"])
	}
	if ev.Hash == "" {
		ev.Missing = append(ev.Missing, hashKey)
	}
	if ev.Device = str(rec["device"]); ev.Device == "" {
		ev.Missing = append(ev.Missing, "device")
	}
	return ev
}

func normalize(v any) any {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return v
}

func str(v any) string {
	if v == nil {
		return ""
	}
	s, err := cast.ToStringE(normalize(v))
	if err != nil {
		return ""
	}
	return s
}

func num(v any) (float64, bool) {
	f, err := cast.ToFloat64E(normalize(v))
	return f, err == nil
}

// Classifier wraps Classify with logging and metrics. It never returns an
// error: malformed payloads are logged and reported as not ok.
type Classifier struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Classify returns the message and whether one was produced.
func (c *Classifier) Classify(topic string, payload []byte, fallback Kind) (Message, bool) {
	log := logging.OrNop(c.Logger)
	msg, err := Classify(payload, fallback)
	if err != nil {
		c.Metrics.Malformed()
		log.Warn("dropping malformed payload",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		return nil, false
	}
	c.Metrics.ClassifiedAs(string(msg.Kind()))
	switch m := msg.(type) {
	case StatusMessage:
		if len(m.Status.Missing) > 0 {
			log.Debug("status message with missing fields", zap.String("topic", topic), zap.Strings("missing", m.Status.Missing))
		}
	case AccessMessage:
		if len(m.Event.Missing) > 0 {
			log.Debug("access message with missing fields", zap.String("topic", topic), zap.Strings("missing", m.Event.Missing))
		}
	case UnknownMessage:
		log.Info("unrecognized message type", zap.String("topic", topic), zap.String("type", m.Type))
	}
	return msg, true
}
