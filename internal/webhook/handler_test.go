package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xmidt-org/wrp-go/v3"
)

type recordingSink struct {
	topics   []string
	payloads [][]byte
}

func (s *recordingSink) Dispatch(topic string, payload []byte) {
	s.topics = append(s.topics, topic)
	s.payloads = append(s.payloads, payload)
}

func TestExtractDeviceFromSource(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
	}{
		{"with service", "mac:BAGT2212111400001/gatectl", "mac:BAGT2212111400001"},
		{"without service", "mac:BAGT2212111400001", "mac:BAGT2212111400001"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractDeviceFromSource(tt.source)
			if result != tt.expected {
				t.Errorf("extractDeviceFromSource(%q) = %q, want %q", tt.source, result, tt.expected)
			}
		})
	}
}

func TestExtractServiceFromSource(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
	}{
		{"with service", "mac:BAGT2212111400001/gatectl", "gatectl"},
		{"without service", "mac:BAGT2212111400001", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractServiceFromSource(tt.source)
			if result != tt.expected {
				t.Errorf("extractServiceFromSource(%q) = %q, want %q", tt.source, result, tt.expected)
			}
		})
	}
}

func TestExtractEventFromDestination(t *testing.T) {
	tests := []struct {
		name     string
		dest     string
		expected string
	}{
		{"full path", "event:gatectl/Access/QRScanned", "Access.QRScanned"},
		{"simple", "event:gatectl/Status", "Status"},
		{"no prefix", "gatectl/Access/RFIDScanned", "Access.RFIDScanned"},
		{"single part", "event:Heartbeat", "Heartbeat"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractEventFromDestination(tt.dest)
			if result != tt.expected {
				t.Errorf("extractEventFromDestination(%q) = %q, want %q", tt.dest, result, tt.expected)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		event    string
		expected string
	}{
		{"Status", "uniongate/G1/status"},
		{"Device.StatusReport", "uniongate/G1/status"},
		{"Access.QRScanned", "uniongate/G1/events"},
		{"", "uniongate/G1/events"},
	}
	if got := route("uniongate/", "G1", "Status"); got != "uniongate/G1/status" {
		t.Errorf("trailing slash namespace: %q", got)
	}
	for _, tt := range tests {
		if got := route("uniongate", "G1", tt.event); got != tt.expected {
			t.Errorf("route(%q) = %q, want %q", tt.event, got, tt.expected)
		}
	}
}

func TestHandlerWRPMsgpack(t *testing.T) {
	msg := wrp.Message{
		Type:        wrp.SimpleEventMessageType,
		Source:      "mac:BAGT2212111400001/gatectl",
		Destination: "event:gatectl/Access/QRScanned",
		ContentType: "application/json",
		Payload:     []byte(`{"type":"qr","success":true,"code":"ABC123"}`),
	}
	var body []byte
	if err := wrp.NewEncoderBytes(&body, wrp.Msgpack).Encode(&msg); err != nil {
		t.Fatalf("encode: %v", err)
	}

	sink := &recordingSink{}
	req := httptest.NewRequest(http.MethodPost, "/webhook/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/msgpack")
	rec := httptest.NewRecorder()
	Handler(sink, "uniongate", nil)(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(sink.topics) != 1 || sink.topics[0] != "uniongate/BAGT2212111400001/events" {
		t.Fatalf("topics = %v", sink.topics)
	}
	var got map[string]any
	if err := json.Unmarshal(sink.payloads[0], &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["device"] != "BAGT2212111400001" || got["code"] != "ABC123" {
		t.Errorf("payload = %v", got)
	}
}

func TestHandlerJSONEventForm(t *testing.T) {
	sink := &recordingSink{}
	body := `{"device":"mac:G7","service":"gatectl","name":"Status","payload":{"device":"G7","cpu_percent":12}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	Handler(sink, "ns", nil)(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if sink.topics[0] != "ns/G7/status" {
		t.Errorf("topic = %q", sink.topics[0])
	}
	if string(sink.payloads[0]) != `{"device":"G7","cpu_percent":12}` {
		t.Errorf("payload rewritten: %s", sink.payloads[0])
	}
}

func TestHandlerHeaderFallback(t *testing.T) {
	sink := &recordingSink{}
	req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader("not json"))
	req.Header.Set("X-Xmidt-Device", "mac:G9")
	rec := httptest.NewRecorder()
	Handler(sink, "ns", nil)(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if sink.topics[0] != "ns/G9/events" || string(sink.payloads[0]) != "not json" {
		t.Errorf("got %v %q", sink.topics, sink.payloads[0])
	}
}

func TestHandlerRejects(t *testing.T) {
	sink := &recordingSink{}
	h := Handler(sink, "ns", nil)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/webhook/events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no device status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader("\x01\x02"))
	req.Header.Set("Content-Type", "application/msgpack")
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad msgpack status = %d", rec.Code)
	}
	for _, device := range []string{"../x", "G1/other", "+", ".."} {
		body := `{"device":"` + device + `","name":"Status","payload":{"status":"online"}}`
		rec = httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("device %q status = %d", device, rec.Code)
		}
	}
	if len(sink.topics) != 0 {
		t.Errorf("rejected requests reached the sink: %v", sink.topics)
	}
}

func TestWithDevice(t *testing.T) {
	if got := string(withDevice([]byte(`[1]`), "G")); got != `[1]` {
		t.Errorf("array rewritten: %s", got)
	}
	if got := string(withDevice([]byte(`{"device":"X"}`), "G")); got != `{"device":"X"}` {
		t.Errorf("existing device replaced: %s", got)
	}
	if got := string(withDevice([]byte(`{"type":"qr"}`), "G")); got != `{"device":"G","type":"qr"}` {
		t.Errorf("device not added: %s", got)
	}
}
