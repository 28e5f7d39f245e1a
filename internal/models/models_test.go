// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"net/http"
	"testing"
)

// TestOperation_Method verifies every operation maps to its verb.
func TestOperation_Method(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OperationCreate, http.MethodPost},
		{OperationUpdate, http.MethodPut},
		{OperationDelete, http.MethodDelete},
	}
	for _, tt := range tests {
		got, err := tt.op.Method()
		if err != nil {
			t.Fatalf("Method(%s) error = %v", tt.op, err)
		}
		if got != tt.want {
			t.Errorf("Method(%s) = %s, want %s", tt.op, got, tt.want)
		}
	}

	if _, err := Operation("upsert").Method(); err == nil {
		t.Error("Method() should reject unknown operations")
	}
}

// TestOperation_Scan verifies database values are validated.
func TestOperation_Scan(t *testing.T) {
	var op Operation
	if err := op.Scan([]byte("update")); err != nil || op != OperationUpdate {
		t.Errorf("Scan([]byte) = %q, %v", op, err)
	}
	if err := op.Scan("delete"); err != nil || op != OperationDelete {
		t.Errorf("Scan(string) = %q, %v", op, err)
	}
	if err := op.Scan("drop"); err == nil {
		t.Error("Scan() should reject unknown operations")
	}
	if err := op.Scan(42); err == nil {
		t.Error("Scan() should reject non-string values")
	}
	if _, err := Operation("").Value(); err == nil {
		t.Error("Value() should reject empty operation")
	}
}

// TestPendingChange_Validate verifies caller supplied fields are checked.
func TestPendingChange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		change  PendingChange
		wantErr bool
	}{
		{"valid", PendingChange{Table: "invoices", Operation: OperationCreate, Data: json.RawMessage(`{"number":"INV-1"}`)}, false},
		{"no data", PendingChange{Table: "clients", Operation: OperationDelete}, false},
		{"missing table", PendingChange{Operation: OperationCreate}, true},
		{"path traversal", PendingChange{Table: "../admin", Operation: OperationCreate}, true},
		{"bad operation", PendingChange{Table: "invoices", Operation: "patch"}, true},
		{"bad json", PendingChange{Table: "invoices", Operation: OperationUpdate, Data: json.RawMessage(`{`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestPendingChange_JSON verifies the wire field names.
func TestPendingChange_JSON(t *testing.T) {
	c := PendingChange{ID: "x", Timestamp: 1700000000000, Table: "invoices", Operation: OperationCreate, Data: json.RawMessage(`{"a":1}`), RetryCount: 2}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"x","timestamp":1700000000000,"table":"invoices","operation":"create","data":{"a":1},"retryCount":2}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
	if c.Time().UnixMilli() != c.Timestamp {
		t.Error("Time() should round-trip Timestamp")
	}
}
