package models

import "strings"

// DeviceTopics derives the status and events topics of device under
// namespace: "{ns}/{device}/status" and "{ns}/{device}/events".
func DeviceTopics(namespace, device string) (status, events string) {
	prefix := strings.TrimRight(namespace, "/") + "/" + device
	return prefix + "/status", prefix + "/events"
}

// ValidDeviceID reports whether id can stand as a single topic level: it is
// non-empty, holds no separator or MQTT wildcard, and is not a dot segment.
func ValidDeviceID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/+#")
}
