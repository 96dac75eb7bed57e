package rpc

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stepherg/gatedash/internal/config"
	"github.com/stepherg/gatedash/internal/dashboard"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error matches JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard and application error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

// Notification is a server->client message without an ID.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Dispatcher processes JSON-RPC requests.
type Dispatcher interface {
	Handle(*Request) *Response
}

// SessionAPI is the part of the dashboard session exposed over JSON-RPC.
type SessionAPI interface {
	Snapshot(nEvents, nStatuses int) dashboard.Snapshot
	SelectDevice(id string) error
	Devices() []config.Device
}

// DashboardDispatcher serves the Dashboard.* methods.
type DashboardDispatcher struct {
	Session SessionAPI
	Now     func() time.Time
}

type snapshotParams struct {
	Events   int `json:"events"`
	Statuses int `json:"statuses"`
}

type selectParams struct {
	Device string `json:"device"`
}

func (d *DashboardDispatcher) Handle(r *Request) *Response {
	if r.Method == "" {
		return errorResponse(r.ID, CodeInvalidRequest, "invalid request", nil)
	}
	switch r.Method {
	case "Dashboard.Ping":
		now := time.Now
		if d.Now != nil {
			now = d.Now
		}
		return result(r.ID, map[string]any{"pong": true, "ts": now().Unix()})
	case "Dashboard.Snapshot":
		var p snapshotParams
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(r.ID, CodeInvalidParams, "invalid params", err.Error())
		}
		return result(r.ID, d.Session.Snapshot(p.Events, p.Statuses))
	case "Dashboard.SelectDevice":
		var p selectParams
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(r.ID, CodeInvalidParams, "invalid params", err.Error())
		}
		if err := d.Session.SelectDevice(p.Device); err != nil {
			if errors.Is(err, dashboard.ErrEmptyDevice) {
				return errorResponse(r.ID, CodeInvalidParams, "device required", nil)
			}
			return errorResponse(r.ID, CodeServerError, "select device failed", err.Error())
		}
		snap := d.Session.Snapshot(1, 1)
		return result(r.ID, map[string]any{"device": snap.Device, "topics": snap.Topics})
	case "Dashboard.Devices":
		return result(r.ID, d.Session.Devices())
	}
	return errorResponse(r.ID, CodeMethodNotFound, "method not found", r.Method)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, msg string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg, Data: data}}
}

// ParseRequest decodes raw JSON into Request with basic validation.
func ParseRequest(raw []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.JSONRPC != "2.0" {
		return nil, errors.New("unsupported jsonrpc version")
	}
	if r.Method == "" {
		return nil, errors.New("method required")
	}
	return &r, nil
}
