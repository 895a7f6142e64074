package model

import (
	"strings"
	"time"
)

// AdvertisementRecord is one scan observation for a device. Immutable once
// constructed; the Scan Cache never mutates a record in place, only appends
// new ones and evicts old ones.
type AdvertisementRecord struct {
	MAC              string
	LocalName        string
	RSSI             int
	Payload          []byte
	ManufacturerData map[uint16][]byte
	ObservedAt        time.Time
}

// CanonicalMAC upper-cases and colon-separates a MAC address, tolerating
// addresses already in that form.
func CanonicalMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if strings.Contains(mac, ":") {
		return mac
	}
	if len(mac) != 12 {
		return mac
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(mac[i : i+2])
	}
	return b.String()
}
