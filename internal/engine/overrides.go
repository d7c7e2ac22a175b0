package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Override replaces the item quantity for one template.
type Override struct {
	Quantity int
}

type itemMetadata struct {
	DeliverableOverrides json.RawMessage `json:"deliverable_overrides"`
}

type overrideEntry struct {
	Quantity json.RawMessage `json:"quantity"`
}

// parseOverrides decodes metadata.deliverable_overrides into a map keyed by
// template id. Absent or null metadata means no overrides.
func parseOverrides(raw json.RawMessage) (map[string]Override, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: metadata must be an object", ErrInvalidOverrides)
	}
	var meta itemMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverrides, err)
	}
	body := bytes.TrimSpace(meta.DeliverableOverrides)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] != '{' {
		return nil, fmt.Errorf("%w: deliverable_overrides must be an object keyed by template id", ErrInvalidOverrides)
	}
	var entries map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverrides, err)
	}
	out := make(map[string]Override, len(entries))
	for templateID, entryRaw := range entries {
		entryRaw = bytes.TrimSpace(entryRaw)
		if len(entryRaw) == 0 || entryRaw[0] != '{' {
			return nil, fmt.Errorf("%w: override for template %s must be an object", ErrInvalidOverrides, templateID)
		}
		var entry overrideEntry
		if err := json.Unmarshal(entryRaw, &entry); err != nil {
			return nil, fmt.Errorf("%w: template %s: %v", ErrInvalidOverrides, templateID, err)
		}
		qty, err := overrideQuantity(entry.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: template %s: %v", ErrInvalidOverrides, templateID, err)
		}
		out[templateID] = Override{Quantity: qty}
	}
	return out, nil
}

// overrideQuantity accepts only a JSON number literal. Encoding/json would
// otherwise decode a quoted numeral into json.Number.
func overrideQuantity(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("quantity is required")
	}
	if raw[0] == '"' {
		return 0, fmt.Errorf("quantity %s must be a number, not a string", raw)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, errors.New("quantity must be a number")
	}
	return wholeQuantity(n)
}

func wholeQuantity(n json.Number) (int, error) {
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("quantity %s is not a number", n)
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, fmt.Errorf("quantity %s must be a non-negative integer", n)
	}
	if f > maxQuantity {
		return 0, fmt.Errorf("quantity %s exceeds %d", n, maxQuantity)
	}
	return int(f), nil
}

// finalQuantity picks the override for templateID, else the item quantity.
// Non-positive quantities yield zero deliverables.
func finalQuantity(itemQty int, overrides map[string]Override, templateID string) int {
	qty := itemQty
	if o, ok := overrides[templateID]; ok {
		qty = o.Quantity
	}
	if qty < 0 {
		return 0
	}
	return qty
}
