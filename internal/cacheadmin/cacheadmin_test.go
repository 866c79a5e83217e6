package cacheadmin

import (
	"testing"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/store"
)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	seed := map[string]string{
		"naq:input:ch3-1:0":              "二分法",
		"naq:input:ch3-2:0":              "牛顿法",
		"naq:input:ch4-1:0":              "高斯消元",
		"naq:grade:naq:input:ch3-1:二分法": "【✓】",
		"naq:grade:naq:input:ch4-1:高斯消元": "【△】缺少选主元",
		"naq:snap:naq:input:ch3-1":       "二分法",
		"naq:snap:naq:input:ch4-1":       "高斯消元",
		model.KeyAPIURL:                  "https://api.example.com/v1",
		model.KeyAPIKey:                  "sk-test",
		"naq:rate:grade":                 `{"count":3,"start":1700000000000}`,
	}
	for k, v := range seed {
		if err := s.Set(k, v); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	return s
}

func TestSelectedKeysPageScope(t *testing.T) {
	s := seedStore(t)

	keys, err := SelectedKeys(s, Selection{Inputs: true, Grades: true}, "ch3")
	if err != nil {
		t.Fatalf("SelectedKeys: %v", err)
	}
	want := map[string]bool{
		"naq:input:ch3-1:0":              true,
		"naq:input:ch3-2:0":              true,
		"naq:grade:naq:input:ch3-1:二分法": true,
		"naq:snap:naq:input:ch3-1":       true,
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys %v, want %d", len(keys), keys, len(want))
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q in page scope", k)
		}
	}
}

func TestSelectedKeysAllPages(t *testing.T) {
	s := seedStore(t)

	keys, err := SelectedKeys(s, All(), "")
	if err != nil {
		t.Fatalf("SelectedKeys: %v", err)
	}
	// Everything except the rate window.
	if len(keys) != 9 {
		t.Errorf("got %d keys %v, want 9", len(keys), keys)
	}
	for _, k := range keys {
		if k == "naq:rate:grade" {
			t.Error("rate window must never be selected")
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := seedStore(t)

	doc, err := Export(src, All(), "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	data, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}
	parsed, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	dst, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer dst.Close()
	if err := Import(dst, parsed); err != nil {
		t.Fatalf("Import: %v", err)
	}

	for k, v := range doc {
		got, ok, err := dst.Get(k)
		if err != nil || !ok {
			t.Fatalf("imported key %s missing: ok=%v err=%v", k, ok, err)
		}
		if got != v {
			t.Errorf("key %s: got %q, want %q", k, got, v)
		}
	}
}

func TestParseDocumentRejectsNonFlat(t *testing.T) {
	bad := [][]byte{
		[]byte(`[1,2,3]`),
		[]byte(`{"k":{"nested":true}}`),
		[]byte(`not json`),
	}
	for _, data := range bad {
		if _, err := ParseDocument(data); err == nil {
			t.Errorf("ParseDocument(%s) accepted bad input", data)
		}
	}
}

func TestClearGradesRemovesSnapshots(t *testing.T) {
	s := seedStore(t)

	n, err := Clear(s, Selection{Grades: true}, "")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 4 {
		t.Errorf("cleared %d keys, want 4", n)
	}

	if _, ok, _ := s.Get("naq:snap:naq:input:ch3-1"); ok {
		t.Error("snapshot survived grade clear")
	}
	// Inputs and config are untouched.
	if _, ok, _ := s.Get("naq:input:ch3-1:0"); !ok {
		t.Error("input removed by grade clear")
	}
	if _, ok, _ := s.Get(model.KeyAPIURL); !ok {
		t.Error("config removed by grade clear")
	}
}

func TestClearAPIConfig(t *testing.T) {
	s := seedStore(t)

	if _, err := Clear(s, Selection{APIConfig: true}, "ch3"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, k := range []string{model.KeyAPIURL, model.KeyAPIKey} {
		if _, ok, _ := s.Get(k); ok {
			t.Errorf("config key %s survived", k)
		}
	}

	// The store falls back to defaults afterwards.
	cfg, err := store.LoadAPIConfig(s)
	if err != nil {
		t.Fatalf("LoadAPIConfig: %v", err)
	}
	if cfg.BaseURL != model.DefaultGatewayURL {
		t.Errorf("BaseURL = %q, want default gateway", cfg.BaseURL)
	}
}
