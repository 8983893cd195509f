package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Document is the declarative policy configuration: an ordered list of rules.
// Order is evaluation order.
type Document struct {
	Version int    `json:"version,omitempty"`
	Rules   []Rule `json:"rules"`
}

// LoadFile reads and validates a JSON policy document from disk.
// Loaded once per validation session; treated as read-only afterwards.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON policy document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, ErrNoRules
	}
	if err := ValidateRules(doc.Rules); err != nil {
		return nil, err
	}
	return &doc, nil
}
