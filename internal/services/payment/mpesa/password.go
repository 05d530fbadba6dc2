package mpesa

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

// Daraja validates timestamps against East Africa Time.
var nairobi = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t as YYYYMMDDHHmmss in East Africa Time
func Timestamp(t time.Time) string {
	return t.In(nairobi).Format(timestampLayout)
}

// Password builds the STK password: base64(shortCode + passKey + timestamp).
// The byte layout must match what the provider computes on its side.
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// parseTimestamp reads a YYYYMMDDHHmmss value as East Africa Time
func parseTimestamp(v string) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, v, nairobi)
}
