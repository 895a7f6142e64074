// Package scancache implements the Scan Cache (spec §4.1, component B):
// a bounded, TTL-indexed map from MAC address to recent advertisement
// history. The teacher's scanner.go keeps discovered devices in a
// cornelk/hashmap.Map with one writer (the scan callback) and many
// readers; this package reuses that structure for DeviceHistory lookups
// and layers a hedzr/go-ringbuf/v2 ring buffer under each MAC's history
// instead of a hand-rolled slice-shift.
package scancache

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/model"
)

const historyCap = 10

// DeviceHistory is an ordered bounded sequence of AdvertisementRecords
// for one MAC, newest last, capped at 10 entries (spec §3). Mutated
// only by the scan callback path; reads take a snapshot under a mutex
// since the ring buffer itself isn't safe for concurrent readers during
// a concurrent writer push.
type DeviceHistory struct {
	mu  sync.Mutex
	buf ringbuf.Ring[model.AdvertisementRecord]
}

func newDeviceHistory() *DeviceHistory {
	return &DeviceHistory{buf: ringbuf.New[model.AdvertisementRecord](historyCap)}
}

func (h *DeviceHistory) push(rec model.AdvertisementRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf.IsFull() {
		_, _ = h.buf.Dequeue()
	}
	_ = h.buf.Enqueue(rec)
}

// Newest returns the most recent record and true, or the zero value and
// false if the history is empty.
func (h *DeviceHistory) Newest() (model.AdvertisementRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.buf.Values()
	if len(all) == 0 {
		return model.AdvertisementRecord{}, false
	}
	return all[len(all)-1], true
}

// All returns a snapshot of the history, oldest first.
func (h *DeviceHistory) All() []model.AdvertisementRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.AdvertisementRecord(nil), h.buf.Values()...)
}

// ScanCache maps MAC -> DeviceHistory with a single-writer/many-reader
// discipline (spec §4.1, §5). TTL defaults to 300s (spec §6).
type ScanCache struct {
	logger *logrus.Logger
	ttl    time.Duration

	entries *hashmap.Map[string, *DeviceHistory]
}

func New(ttl time.Duration, logger *logrus.Logger) *ScanCache {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &ScanCache{
		logger:  logger,
		ttl:     ttl,
		entries: hashmap.New[string, *DeviceHistory](),
	}
}

// Ingest appends a record to its MAC's history, evicting the oldest
// entry past the 10-entry cap (spec §4.1 ingest). O(1).
func (c *ScanCache) Ingest(rec model.AdvertisementRecord) {
	mac := model.CanonicalMAC(rec.MAC)
	rec.MAC = mac

	hist, _ := c.entries.GetOrInsert(mac, newDeviceHistory())
	hist.push(rec)
}

// Lookup returns the newest record for mac if its age is within TTL;
// otherwise it prunes the entry and returns false (spec §4.1 lookup).
func (c *ScanCache) Lookup(mac string, now time.Time) (model.AdvertisementRecord, bool) {
	mac = model.CanonicalMAC(mac)
	hist, ok := c.entries.Get(mac)
	if !ok {
		return model.AdvertisementRecord{}, false
	}

	newest, ok := hist.Newest()
	if !ok {
		return model.AdvertisementRecord{}, false
	}
	if now.Sub(newest.ObservedAt) > c.ttl {
		c.entries.Del(mac)
		return model.AdvertisementRecord{}, false
	}
	return newest, true
}

// History returns a snapshot of a MAC's full observation history
// (newest last), or nil if unknown.
func (c *ScanCache) History(mac string) []model.AdvertisementRecord {
	mac = model.CanonicalMAC(mac)
	hist, ok := c.entries.Get(mac)
	if !ok {
		return nil
	}
	return hist.All()
}

// ListEntry is a (mac, newest) pair for status reporting (spec §4.1 list).
type ListEntry struct {
	MAC    string
	Newest model.AdvertisementRecord
}

// List returns a snapshot of every entry's (mac, newest) pair, for
// status reporting; it does not prune.
func (c *ScanCache) List() []ListEntry {
	out := make([]ListEntry, 0, c.entries.Len())
	c.entries.Range(func(mac string, hist *DeviceHistory) bool {
		if newest, ok := hist.Newest(); ok {
			out = append(out, ListEntry{MAC: mac, Newest: newest})
		}
		return true
	})
	return out
}

// ActiveCount returns the number of entries whose newest record is
// still within TTL as of now, for the SUPPLEMENTED service-status
// "active_devices" field.
func (c *ScanCache) ActiveCount(now time.Time) int {
	count := 0
	c.entries.Range(func(_ string, hist *DeviceHistory) bool {
		if newest, ok := hist.Newest(); ok && now.Sub(newest.ObservedAt) <= c.ttl {
			count++
		}
		return true
	})
	return count
}

// Sweep drops every entry whose newest record is older than TTL (spec
// §4.1 sweep); run on the Scanner's tick.
func (c *ScanCache) Sweep(now time.Time) int {
	var stale []string
	c.entries.Range(func(mac string, hist *DeviceHistory) bool {
		if newest, ok := hist.Newest(); !ok || now.Sub(newest.ObservedAt) > c.ttl {
			stale = append(stale, mac)
		}
		return true
	})
	for _, mac := range stale {
		c.entries.Del(mac)
	}
	if len(stale) > 0 {
		c.logger.WithField("count", len(stale)).Debug("scancache: swept stale entries")
	}
	return len(stale)
}
