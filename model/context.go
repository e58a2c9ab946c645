package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

// Context is the free-form shared state of a workflow. Node outputs are
// written into it under each node's output key, and condition/router
// decisions read from it.
//
// Context round-trips through Postgres JSONB columns via the Valuer and
// Scanner implementations, so repositories can treat it as a plain column.
type Context map[string]any

// Clone returns an independent shallow copy. Mutating the clone does not
// affect the original map.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return maps.Clone(c)
}

// Merge returns a new Context with keys from other overwriting this one.
func (c Context) Merge(other Context) Context {
	merged := c.Clone()
	maps.Copy(merged, other)
	return merged
}

// Get retrieves a value by key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c[key]
	return v, ok
}

// Value implements driver.Valuer for JSONB storage.
func (c Context) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (c *Context) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = Context{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into Context", src)
	}
}

// StringList is a JSONB-backed list of strings (worker tool lists,
// checkpoint required fields).
type StringList []string

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer for JSONB storage.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// UUIDList is a JSONB-backed list of entity ids (subtask dependencies).
type UUIDList []string

// Value implements driver.Valuer for JSONB storage.
func (l UUIDList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (l *UUIDList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into UUIDList", src)
	}
}
