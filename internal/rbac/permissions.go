package rbac

import (
	"database/sql/driver"
	"encoding/json"
	"sort"
	"strings"
)

// Permissions is the explicit per-user grant list. Storage and clients hand it
// over either as a JSON array or as a string holding a JSON array; both forms
// are normalized on the way in so nothing downstream re-parses. Anything that
// does not parse is the empty set.
type Permissions []Permission

// ParsePermissions accepts a JSON string, raw bytes, a string slice, an any slice
// or an existing Permissions value.
func ParsePermissions(v any) Permissions {
	switch t := v.(type) {
	case nil:
		return nil
	case Permissions:
		return normalize(t)
	case []Permission:
		return normalize(t)
	case []string:
		out := make([]Permission, 0, len(t))
		for _, s := range t {
			out = append(out, Permission(s))
		}
		return normalize(out)
	case []any:
		out := make([]Permission, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, Permission(s))
			}
		}
		return normalize(out)
	case string:
		return parseJSON([]byte(t))
	case []byte:
		return parseJSON(t)
	default:
		return nil
	}
}

func parseJSON(b []byte) Permissions {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		// a doubly encoded value: "\"[\\\"a\\\"]\""
		var inner string
		if json.Unmarshal([]byte(s), &inner) != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(inner), &list); err != nil {
			return nil
		}
	}
	return ParsePermissions(list)
}

func normalize(in []Permission) Permissions {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Permission]struct{}, len(in))
	out := make(Permissions, 0, len(in))
	for _, p := range in {
		p = Permission(strings.TrimSpace(string(p)))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 0 {
		return nil
	}
	return out
}

func (ps Permissions) Has(perm Permission) bool {
	for _, p := range ps {
		if p == perm {
			return true
		}
	}
	return false
}

func (ps Permissions) Strings() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// Scan implements sql.Scanner.
func (ps *Permissions) Scan(src any) error {
	*ps = ParsePermissions(src)
	return nil
}

// Value implements driver.Valuer; the column always holds a JSON array.
func (ps Permissions) Value() (driver.Value, error) {
	if len(ps) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ps.Strings())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (ps *Permissions) UnmarshalJSON(b []byte) error {
	*ps = parseJSON(b)
	return nil
}

func (ps Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.Strings())
}
