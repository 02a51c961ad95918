package storage

import "strings"

// Result is the outcome of a storage operation. It is a bitmask: Stale is a
// caveat that is combined with either OK or NotFound.
type Result uint32

const (
	OK             Result = 0x01
	NotFound       Result = 0x02
	OutOfResources Result = 0x04
	Error          Result = 0x08

	Stale Result = 0x10000
)

// IsOK reports whether the operation succeeded, possibly with a caveat.
func (r Result) IsOK() bool { return r&OK != 0 }

func (r Result) IsNotFound() bool       { return r&NotFound != 0 }
func (r Result) IsStale() bool          { return r&Stale != 0 }
func (r Result) IsOutOfResources() bool { return r&OutOfResources != 0 }
func (r Result) IsError() bool          { return r&Error != 0 }

func (r Result) String() string {
	var parts []string
	if r.IsOK() {
		parts = append(parts, "OK")
	}
	if r.IsNotFound() {
		parts = append(parts, "NOT_FOUND")
	}
	if r.IsOutOfResources() {
		parts = append(parts, "OUT_OF_RESOURCES")
	}
	if r.IsError() {
		parts = append(parts, "ERROR")
	}
	if r.IsStale() {
		parts = append(parts, "STALE")
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
