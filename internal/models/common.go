package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSON is a custom type for handling JSON data in GORM
type JSON map[string]interface{}

// Value implements the driver.Valuer interface for JSON
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for JSON
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	var result JSON
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	*j = result
	return nil
}

// RawJSON decodes a raw provider payload into a JSON map. Payloads that are not
// JSON objects are kept under the "raw" key so nothing sent by the provider is lost.
func RawJSON(body []byte) JSON {
	if len(body) == 0 {
		return nil
	}
	var out JSON
	if err := json.Unmarshal(body, &out); err != nil || out == nil {
		return JSON{"raw": string(body)}
	}
	return out
}
