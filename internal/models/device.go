// Package models contains domain types for the gate dashboard.
package models

import "time"

// DeviceState is the producer-reported online flag.
type DeviceState string

const (
	DeviceOnline  DeviceState = "online"
	DeviceOffline DeviceState = "offline"
)

// DeviceStatus is the latest known telemetry snapshot for one device.
// Fields the producer omitted are left at their zero value and named in Missing.
type DeviceStatus struct {
	DeviceID   string      `json:"device" msgpack:"device"`
	Latitude   float64     `json:"latitude" msgpack:"latitude"`
	Longitude  float64     `json:"longitude" msgpack:"longitude"`
	Status     DeviceState `json:"status" msgpack:"status"`
	Timestamp  int64       `json:"timestamp" msgpack:"timestamp"` // producer clock, epoch seconds
	CPUPercent float64     `json:"cpu_percent" msgpack:"cpu_percent"`
	RAMPercent float64     `json:"ram_percent" msgpack:"ram_percent"`
	RAMUsedMB  float64     `json:"ram_used_mb" msgpack:"ram_used_mb"`
	RAMTotalMB float64     `json:"ram_total_mb" msgpack:"ram_total_mb"`
	Missing    []string    `json:"missing,omitempty" msgpack:"missing,omitempty"`
}

// Online reports whether the producer marked the device online.
func (d DeviceStatus) Online() bool { return d.Status == DeviceOnline }

// ReportedAt converts the producer timestamp to local time. Zero when absent.
func (d DeviceStatus) ReportedAt() time.Time {
	if d.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(d.Timestamp, 0)
}

// StatusEntry is one periodic status snapshot held in the status log.
type StatusEntry struct {
	Status DeviceStatus `json:"status" msgpack:"status"`
	Level  Level        `json:"level" msgpack:"level"`
}
