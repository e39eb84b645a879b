package realtime

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
)

var ErrMalformedFrame = errors.New("malformed realtime frame")

// Event is one inbound frame from the event stream.
type Event struct {
	Type    string
	Payload json.RawMessage
	// TS is zero when the frame carried no readable timestamp.
	TS time.Time
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      json.RawMessage `json:"ts"`
}

// ParseEvent decodes a frame. Only a non-object or a missing type makes a
// frame malformed; an odd timestamp is ignored.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, ErrMalformedFrame
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return Event{}, ErrMalformedFrame
	}
	return Event{Type: typ, Payload: w.Payload, TS: parseTS(w.TS)}, nil
}

// parseTS accepts unix milliseconds or an RFC 3339 string.
func parseTS(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// InvalidationMap routes an event type to the cache groups it makes stale.
// Unknown types route nowhere.
type InvalidationMap map[string][]string

// Groups returns the groups for eventType, nil when unknown.
func (m InvalidationMap) Groups(eventType string) []string {
	return m[eventType]
}

// DefaultInvalidationMap is the routing table for the order dashboard.
func DefaultInvalidationMap() InvalidationMap {
	return InvalidationMap{
		"order.created":             {cache.GroupOrders, cache.GroupDashboard},
		"order.updated":             {cache.GroupOrders, cache.GroupOrderDetail},
		"order.deleted":             {cache.GroupOrders, cache.GroupDashboard},
		"order.status_changed":      {cache.GroupOrders, cache.GroupOrderDetail, cache.GroupDashboard},
		"order.bulk_status_changed": {cache.GroupOrders, cache.GroupOrderDetail, cache.GroupDashboard},
		"customer.created":          {cache.GroupCustomers},
		"customer.updated":          {cache.GroupCustomers, cache.GroupOrderDetail},
		"product.updated":           {cache.GroupProducts, cache.GroupInventory},
		"inventory.adjusted":        {cache.GroupInventory, cache.GroupProducts, cache.GroupDashboard},
		"settings.updated":          {cache.GroupSettings},
	}
}
