// Package api exposes the dashboard session over REST.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stepherg/gatedash/internal/config"
	"github.com/stepherg/gatedash/internal/dashboard"
	"github.com/stepherg/gatedash/internal/eventlog"
	"github.com/stepherg/gatedash/internal/models"
)

const mimeMsgpack = "application/msgpack"

// Session is the read/select surface of dashboard.Session.
type Session interface {
	Snapshot(nEvents, nStatuses int) dashboard.Snapshot
	SelectDevice(id string) error
	Devices() []config.Device
	Events(n int) []eventlog.Entry[models.EventEntry]
	Statuses(n int) []eventlog.Entry[models.StatusEntry]
}

// Handler serves the /api routes.
type Handler struct {
	session Session
	started time.Time
	version string
}

func NewHandler(s Session, version string) *Handler {
	return &Handler{session: s, started: time.Now(), version: version}
}

// HandleHealth reports process liveness and broker state.
func (h *Handler) HandleHealth(c echo.Context) error {
	snap := h.session.Snapshot(1, 1)
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   h.version,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"connected": snap.Connected,
		"device":    snap.Device,
	})
}

func (h *Handler) HandleSnapshot(c echo.Context) error {
	var nEvents, nStatuses int
	if err := echo.QueryParamsBinder(c).
		Int("events", &nEvents).
		Int("statuses", &nStatuses).
		BindError(); err != nil {
		return NewBadRequestError("invalid query", err)
	}
	return c.JSON(http.StatusOK, h.session.Snapshot(nEvents, nStatuses))
}

func (h *Handler) HandleDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"devices": h.session.Devices(),
		"current": h.session.Snapshot(1, 1).Device,
	})
}

type selectRequest struct {
	Device string `json:"device" form:"device"`
}

// HandleSelectDevice switches the session to another device.
func (h *Handler) HandleSelectDevice(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := h.session.SelectDevice(req.Device); err != nil {
		if errors.Is(err, dashboard.ErrEmptyDevice) {
			return NewValidationError("device")
		}
		return NewInternalError("select device failed", err)
	}
	snap := h.session.Snapshot(1, 1)
	return c.JSON(http.StatusOK, map[string]any{"device": snap.Device, "topics": snap.Topics})
}

func (h *Handler) HandleEventLog(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.session.Events(n))
}

func (h *Handler) HandleStatusLog(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.session.Statuses(n))
}

// HandleEventLogMsgpack returns the event log in MessagePack format.
func (h *Handler) HandleEventLogMsgpack(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	return blob(c, h.session.Events(n))
}

func (h *Handler) HandleStatusLogMsgpack(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	return blob(c, h.session.Statuses(n))
}

// limit reads ?n=; absent or zero means the whole log.
func limit(c echo.Context) (int, error) {
	var n int
	if err := echo.QueryParamsBinder(c).Int("n", &n).BindError(); err != nil {
		return 0, NewBadRequestError("invalid query", err)
	}
	if n < 0 {
		return 0, NewValidationError("n")
	}
	return n, nil
}

func blob(c echo.Context, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, mimeMsgpack, data)
}
