package model

import "strings"

// NormalizeUUID converts a UUID string to the internal lookup form: lowercase,
// no dashes, no "0x" prefix. Full 128-bit UUIDs in the Bluetooth SIG base
// form (0000xxxx-0000-1000-8000-00805f9b34fb) are shortened to their 16-bit
// alias so that short-form and long-form UUIDs for the same characteristic
// compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(uuid)
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return strings.TrimLeft(u[:8], "0")
	}

	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings in place order.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}
