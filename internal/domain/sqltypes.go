package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Column types stored as JSON text so SQLite and Postgres share one schema.

type Strings []string

func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

func (s *Strings) Scan(src any) error {
	return scanJSON(src, (*[]string)(s))
}

type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	return string(b), err
}

func (m *Metadata) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(m))
}

func (s PermissionSet) Value() (driver.Value, error) {
	b, err := json.Marshal(s.Strings())
	return string(b), err
}

func (s *PermissionSet) Scan(src any) error {
	var raw []string
	if err := scanJSON(src, &raw); err != nil {
		return err
	}
	set := make(PermissionSet, 0, len(raw))
	for _, v := range raw {
		set = append(set, Permission(v))
	}
	*s = NewPermissionSet(set...)
	return nil
}

func (f DeviceFilter) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	return string(b), err
}

func (f *DeviceFilter) Scan(src any) error {
	return scanJSON(src, f)
}

func scanJSON(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
