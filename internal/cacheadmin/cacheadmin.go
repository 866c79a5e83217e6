// Package cacheadmin implements export, import, and clearing of the
// store by category. The exported document is a flat key-value map
// using the store's own keys, so an export always imports back
// verbatim.
package cacheadmin

import (
	"encoding/json"
	"fmt"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/store"
)

// Selection names the cache categories an operation covers.
type Selection struct {
	Inputs    bool
	Grades    bool
	APIConfig bool
}

// All selects every category.
func All() Selection {
	return Selection{Inputs: true, Grades: true, APIConfig: true}
}

// Empty reports whether nothing is selected.
func (s Selection) Empty() bool {
	return !s.Inputs && !s.Grades && !s.APIConfig
}

// SelectedKeys resolves a selection to concrete store keys. A non-empty
// page scopes inputs and grades to that page; API configuration is
// global and ignores the page. Grade selection includes the grading
// snapshots, which are meaningless without their verdicts.
func SelectedKeys(kv store.KV, sel Selection, page string) ([]string, error) {
	var keys []string

	if sel.Inputs {
		prefix := model.InputPrefix
		if page != "" {
			prefix = model.PageInputPrefix(page) + "-"
		}
		ks, err := store.KeysWithPrefix(kv, prefix)
		if err != nil {
			return nil, fmt.Errorf("list input keys: %w", err)
		}
		keys = append(keys, ks...)
	}

	if sel.Grades {
		gradePrefix := model.GradePrefix
		snapPrefix := model.SnapPrefix
		if page != "" {
			// Grade and snapshot keys embed the full question
			// identifier, input prefix included.
			gradePrefix += model.PageInputPrefix(page) + "-"
			snapPrefix += model.PageInputPrefix(page) + "-"
		}
		for _, prefix := range []string{gradePrefix, snapPrefix} {
			ks, err := store.KeysWithPrefix(kv, prefix)
			if err != nil {
				return nil, fmt.Errorf("list grade keys: %w", err)
			}
			keys = append(keys, ks...)
		}
	}

	if sel.APIConfig {
		for _, k := range model.APIConfigKeys {
			_, ok, err := kv.Get(k)
			if err != nil {
				return nil, fmt.Errorf("probe config key: %w", err)
			}
			if ok {
				keys = append(keys, k)
			}
		}
	}

	return keys, nil
}

// Export collects the selected keys and their values.
func Export(kv store.KV, sel Selection, page string) (map[string]string, error) {
	keys, err := SelectedKeys(kv, sel, page)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := kv.Get(k)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if ok {
			doc[k] = v
		}
	}
	return doc, nil
}

// Import writes an exported document back verbatim, overwriting
// existing values.
func Import(kv store.KV, doc map[string]string) error {
	for k, v := range doc {
		if err := kv.Set(k, v); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return nil
}

// Clear deletes the selected keys and reports how many were removed.
func Clear(kv store.KV, sel Selection, page string) (int, error) {
	keys, err := SelectedKeys(kv, sel, page)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := kv.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// ParseDocument decodes an exported document, rejecting anything that
// is not a flat string-to-string map.
func ParseDocument(data []byte) (map[string]string, error) {
	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cache document: %w", err)
	}
	return doc, nil
}

// MarshalDocument encodes a document for export.
func MarshalDocument(doc map[string]string) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
