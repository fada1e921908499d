package storage

import "strconv"

// Top-level collections.
const (
	DevicesCollection = "devices"
	UsersCollection   = "users"
)

// DevicePath is the device document: existence, status and owner.
func DevicePath(deviceID string) string {
	return DevicesCollection + "/" + deviceID
}

// DayPath is the per-day document that holds the DaySummary.
func DayPath(deviceID, day string) string {
	return DevicePath(deviceID) + "/logs/" + day
}

// LogEntriesCollection holds the LogEntries of one device and day.
func LogEntriesCollection(deviceID, day string) string {
	return DayPath(deviceID, day) + "/entries"
}

// LogEntryPath is keyed by the entry's epoch-millisecond timestamp.
func LogEntryPath(deviceID, day string, ts int64) string {
	return LogEntriesCollection(deviceID, day) + "/" + strconv.FormatInt(ts, 10)
}

// AlertEntriesCollection holds the AlertEntries of one device and day.
func AlertEntriesCollection(deviceID, day string) string {
	return DevicePath(deviceID) + "/alerts/" + day + "/entries"
}

// AlertEntryPath is keyed by the alert's epoch-millisecond timestamp.
func AlertEntryPath(deviceID, day string, ts int64) string {
	return AlertEntriesCollection(deviceID, day) + "/" + strconv.FormatInt(ts, 10)
}

// EndpointsCollection holds the push notification tokens registered by a user.
func EndpointsCollection(userID string) string {
	return UsersCollection + "/" + userID + "/fcmTokens"
}
