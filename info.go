package querycache

// Info selects the sections of a Diagnostics report.
type Info uint32

const (
	InfoRules   Info = 0x01
	InfoPending Info = 0x02
	InfoStorage Info = 0x04
	InfoAll          = InfoRules | InfoPending | InfoStorage
)

type RulesInfo struct {
	Count  int    `json:"count" msgpack:"count" cbor:"count"`
	Source string `json:"source" msgpack:"source" cbor:"source"`
}

type PendingInfo struct {
	Count int    `json:"count" msgpack:"count" cbor:"count"`
	Error string `json:"error,omitempty" msgpack:"error,omitempty" cbor:"error,omitempty"`
}

// Diagnostics is the report of GetInfo. Sections that were not requested
// are nil.
type Diagnostics struct {
	Name    string         `json:"name" msgpack:"name" cbor:"name"`
	Rules   []RulesInfo    `json:"rules,omitempty" msgpack:"rules,omitempty" cbor:"rules,omitempty"`
	Pending *PendingInfo   `json:"pending,omitempty" msgpack:"pending,omitempty" cbor:"pending,omitempty"`
	Storage map[string]any `json:"storage,omitempty" msgpack:"storage,omitempty" cbor:"storage,omitempty"`
}

// Map flattens d into nested maps and slices of plain values, the shape
// structpb.NewStruct accepts.
func (d Diagnostics) Map() map[string]any {
	m := map[string]any{"name": d.Name}
	if d.Rules != nil {
		rs := make([]any, 0, len(d.Rules))
		for _, r := range d.Rules {
			rs = append(rs, map[string]any{"count": r.Count, "source": r.Source})
		}
		m["rules"] = rs
	}
	if d.Pending != nil {
		p := map[string]any{"count": d.Pending.Count}
		if d.Pending.Error != "" {
			p["error"] = d.Pending.Error
		}
		m["pending"] = p
	}
	if d.Storage != nil {
		s := make(map[string]any, len(d.Storage))
		for k, v := range d.Storage {
			s[k] = v
		}
		m["storage"] = s
	}
	return m
}
