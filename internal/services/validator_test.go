package services

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/inaiurai/settlement/internal/apperror"
)

func TestValidator_PlaceOrder(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	valid := `{"seller_id":"6f1c2b1e-7a36-4a43-9c55-0b1f3f3a2e10","items":[{"product_id":"p1","quantity":2,"unit_price":"12.5"}],"shipping_address":"1 Main St","green_flag":true}`
	if err := v.Validate(SchemaPlaceOrder, json.RawMessage(valid)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	invalid := []string{
		`{"items":[{"product_id":"p1","quantity":1,"unit_price":"1"}],"shipping_address":"x"}`,
		`{"seller_id":"not-a-uuid","items":[{"product_id":"p1","quantity":1,"unit_price":"1"}],"shipping_address":"x"}`,
		`{"seller_id":"6f1c2b1e-7a36-4a43-9c55-0b1f3f3a2e10","items":[],"shipping_address":"x"}`,
		`{"seller_id":"6f1c2b1e-7a36-4a43-9c55-0b1f3f3a2e10","items":[{"product_id":"p1","quantity":0,"unit_price":"1"}],"shipping_address":"x"}`,
		`{"seller_id":"6f1c2b1e-7a36-4a43-9c55-0b1f3f3a2e10","items":[{"product_id":"p1","quantity":1,"unit_price":"-1"}],"shipping_address":"x"}`,
		`{"seller_id":"6f1c2b1e-7a36-4a43-9c55-0b1f3f3a2e10","items":[{"product_id":"p1","quantity":1,"unit_price":1}],"shipping_address":"x"}`,
		`not json`,
	}
	for _, p := range invalid {
		err := v.Validate(SchemaPlaceOrder, json.RawMessage(p))
		if !errors.Is(err, apperror.ErrInvalidInput) {
			t.Errorf("payload %s: err = %v, want invalid input", p, err)
		}
	}
}

func TestValidator_UnknownSchema(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate("nope", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
