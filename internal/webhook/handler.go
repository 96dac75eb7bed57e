package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/xmidt-org/wrp-go/v3"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/models"
)

const maxBody = 512 * 1024

// Sink receives routed payloads. *dispatch.Dispatcher satisfies it.
type Sink interface {
	Dispatch(topic string, payload []byte)
}

// IncomingEvent is the plain JSON form posted by relays that do not speak WRP.
type IncomingEvent struct {
	Device  string          `json:"device"`
	Service string          `json:"service"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Routed is one ingested event after source and destination parsing.
type Routed struct {
	Device  string // scheme stripped, e.g. BAGT2212111400001
	Service string
	Event   string
	Topic   string
	Payload []byte
}

var (
	errNoDevice      = errors.New("webhook: event has no device")
	errInvalidDevice = errors.New("webhook: device id is not a single topic level")
)

// Handler returns an http.HandlerFunc that ingests POSTed device events and
// hands their payloads to sink under the device's status or events topic.
func Handler(sink Sink, namespace string, log *zap.Logger) http.HandlerFunc {
	log = logging.OrNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		ev, err := decode(r, body)
		if err != nil {
			log.Warn("rejecting webhook event", zap.String("content_type", r.Header.Get("Content-Type")), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !models.ValidDeviceID(ev.Device) {
			log.Warn("rejecting webhook event", zap.String("device", ev.Device), zap.Error(errInvalidDevice))
			http.Error(w, errInvalidDevice.Error(), http.StatusBadRequest)
			return
		}
		ev.Topic = route(namespace, ev.Device, ev.Event)
		ev.Payload = withDevice(ev.Payload, ev.Device)
		log.Debug("webhook event",
			zap.String("device", ev.Device),
			zap.String("service", ev.Service),
			zap.String("event", ev.Event),
			zap.String("topic", ev.Topic),
			zap.Int("payload_bytes", len(ev.Payload)),
			zap.String("payload_preview", previewBytes(ev.Payload, 256)))
		sink.Dispatch(ev.Topic, ev.Payload)
		w.WriteHeader(http.StatusAccepted)
	}
}

func decode(r *http.Request, body []byte) (Routed, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case wrp.Msgpack.ContentType(), "application/wrp+msgpack":
		return decodeWRP(body, wrp.Msgpack)
	case "application/wrp+json":
		return decodeWRP(body, wrp.JSON)
	}

	// JSON event form first, then a JSON WRP envelope, then headers.
	var evt IncomingEvent
	if json.Unmarshal(body, &evt) == nil && evt.Device != "" && evt.Name != "" {
		return Routed{
			Device:  deviceID(evt.Device),
			Service: evt.Service,
			Event:   evt.Name,
			Payload: evt.Payload,
		}, nil
	}
	if ev, err := decodeWRP(body, wrp.JSON); err == nil {
		return ev, nil
	}

	device := r.Header.Get("X-Xmidt-Device")
	if device == "" {
		device = r.Header.Get("X-Device-ID")
	}
	device = strings.TrimSpace(device)
	if device == "" {
		return Routed{}, errNoDevice
	}
	return Routed{
		Device:  deviceID(device),
		Service: r.Header.Get("X-Service"),
		Event:   nz(r.Header.Get("X-Event-Name"), "Unknown"),
		Payload: body,
	}, nil
}

func decodeWRP(body []byte, f wrp.Format) (Routed, error) {
	var msg wrp.Message
	if err := wrp.NewDecoderBytes(body, f).Decode(&msg); err != nil {
		return Routed{}, err
	}
	source := extractDeviceFromSource(msg.Source)
	if source == "" {
		return Routed{}, errNoDevice
	}
	return Routed{
		Device:  deviceID(source),
		Service: extractServiceFromSource(msg.Source),
		Event:   extractEventFromDestination(msg.Destination),
		Payload: msg.Payload,
	}, nil
}

// route picks the status topic for status-like events and the events topic otherwise.
func route(namespace, device, event string) string {
	status, events := models.DeviceTopics(namespace, device)
	if strings.Contains(strings.ToLower(event), "status") {
		return status
	}
	return events
}

// extractDeviceFromSource returns the device part of a WRP source,
// "mac:112233445566/gatectl" -> "mac:112233445566".
func extractDeviceFromSource(source string) string {
	if i := strings.Index(source, "/"); i >= 0 {
		return source[:i]
	}
	return source
}

// extractServiceFromSource returns the service suffix of a WRP source.
func extractServiceFromSource(source string) string {
	if i := strings.Index(source, "/"); i >= 0 {
		return source[i+1:]
	}
	return ""
}

// extractEventFromDestination turns "event:Service/A/B" into "A.B". A
// destination with a single path element is returned as is.
func extractEventFromDestination(dest string) string {
	dest = strings.TrimPrefix(dest, "event:")
	if dest == "" {
		return ""
	}
	parts := strings.Split(dest, "/")
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[1:], ".")
}

// deviceID strips a "mac:", "serial:" or similar scheme.
func deviceID(device string) string {
	if i := strings.Index(device, ":"); i >= 0 {
		return device[i+1:]
	}
	return device
}

// withDevice adds the device field to a JSON object payload that lacks one.
// Anything else passes through untouched.
func withDevice(payload []byte, device string) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return payload
	}
	if _, ok := rec["device"]; ok {
		return payload
	}
	rec["device"], _ = json.Marshal(device)
	out, err := json.Marshal(rec)
	if err != nil {
		return payload
	}
	return out
}

// previewBytes returns a printable (possibly truncated) string representation of raw bytes.
func previewBytes(b []byte, max int) string {
	if len(b) == 0 {
		return ""
	}
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}

// nz returns fallback if s is empty.
func nz(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
