package registry

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryText renders a human-oriented Markdown summary of every device,
// sorted by node_id for a stable reading order.
func (r *Registry) SummaryText() string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("# Devices\n\n")
	for _, id := range ids {
		d := r.devices[id]
		status := "offline"
		if d.Online {
			status = "online"
		}
		fmt.Fprintf(&b, "- **%s** (%s, %s) — %s\n", d.DisplayName, id, d.DeviceType, status)
		for _, cap := range d.Capabilities {
			val, ok := d.State[cap.Name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  - %s: %v%s\n", cap.Name, val, unitSuffix(cap.Unit))
		}
	}
	r.mu.Unlock()
	return b.String()
}

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}

// ExternalDevice is the stable machine-oriented shape returned by
// DictForExternal, decoupled from DeviceInfo's internal JSON field names so
// external consumers are insulated from registry storage-format changes.
type ExternalDevice struct {
	NodeID     string                 `json:"node_id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Online     bool                   `json:"online"`
	State      map[string]interface{} `json:"state"`
	Capabilities []string             `json:"capabilities"`
}

// DictForExternal returns every device in the stable external shape, keyed by
// node_id.
func (r *Registry) DictForExternal() map[string]ExternalDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ExternalDevice, len(r.devices))
	for id, d := range r.devices {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, c.Name)
		}
		out[id] = ExternalDevice{
			NodeID:       id,
			Type:         d.DeviceType,
			Name:         d.DisplayName,
			Online:       d.Online,
			State:        d.State,
			Capabilities: caps,
		}
	}
	return out
}
