// Package models provides data model definitions for the Koalax offline agent.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Operation is the kind of mutation a pending change carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates s as an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, err := op.Method(); err != nil {
		return "", err
	}
	return op, nil
}

// Method maps the operation to the HTTP verb used to deliver it.
func (o Operation) Method() (string, error) {
	switch o {
	case OperationCreate:
		return http.MethodPost, nil
	case OperationUpdate:
		return http.MethodPut, nil
	case OperationDelete:
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", string(o))
	}
}

// Value implements driver.Valuer for Operation.
func (o Operation) Value() (driver.Value, error) {
	if _, err := o.Method(); err != nil {
		return nil, err
	}
	return string(o), nil
}

// Scan implements sql.Scanner for Operation.
func (o *Operation) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Operation", value)
	}
	op, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// PendingChange is a locally queued mutation awaiting delivery to the remote API.
type PendingChange struct {
	ID         string          `db:"id" json:"id"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // Unix milliseconds
	Table      string          `db:"table_name" json:"table"`
	Operation  Operation       `db:"operation" json:"operation"`
	Data       json.RawMessage `db:"data" json:"data"`
	RetryCount int             `db:"retry_count" json:"retryCount"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// Time returns the enqueue time.
func (c *PendingChange) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Validate checks the fields a caller must supply before enqueueing.
func (c *PendingChange) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	for _, r := range c.Table {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("table %q contains invalid character %q", c.Table, r)
		}
	}
	if _, err := c.Operation.Method(); err != nil {
		return err
	}
	if len(c.Data) > 0 && !json.Valid(c.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return nil
}
