package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseEntityID normalizes a raw identifier into a window key. Numeric ids
// are canonicalized ("007" and "7.0" become "7", "7.10" becomes "7.1") but
// keep their fractional part; anything else is kept as is.
func ParseEntityID(raw string) EntityID {
	s := strings.TrimSpace(raw)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EntityID(strconv.FormatInt(i, 10))
	}
	if f, ok := parseFinite(s); ok {
		if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			return EntityID(strconv.FormatInt(int64(f), 10))
		}
		return EntityID(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return EntityID(s)
}

// Display renders the id as printed in history rows: numeric ids are
// truncated toward zero to an integer ("7.9" prints as "7").
func (id EntityID) Display() string {
	if f, ok := parseFinite(string(id)); ok && math.Abs(f) < math.MaxInt64 {
		return strconv.FormatInt(int64(math.Trunc(f)), 10)
	}
	return string(id)
}

func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// UnmarshalJSON accepts both numbers and strings
func (id *EntityID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ParseEntityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ParseEntityID(n.String())
	return nil
}
