package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid_layouts", "layouts.json")
	store := NewLayoutStore(path)

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}

	if len(names) != 0 {
		t.Errorf("expected no layouts, got %v", names)
	}

	if _, err := store.Load("missing"); !errors.Is(err, ErrLayoutNotFound) {
		t.Errorf("expected ErrLayoutNotFound, got %v", err)
	}

	layout := Layout{
		ColumnState: json.RawMessage(`[{"colId":"Source","hide":false}]`),
		FilterModel: json.RawMessage(`{"Source":{"type":"equals","filter":"TB"}}`),
	}

	if err := store.Save("zeta", layout); err != nil {
		t.Fatal(err)
	}

	if err := store.Save("alpha", Layout{ColumnState: json.RawMessage(`[]`), FilterModel: json.RawMessage(`null`)}); err != nil {
		t.Fatal(err)
	}

	if err := store.Save("", layout); err == nil {
		t.Error("saved a layout without a name")
	}

	names, err = store.List()
	if err != nil {
		t.Fatal(err)
	}

	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("unexpected names %v", names)
	}

	// a fresh store reads what the first one wrote
	loaded, err := NewLayoutStore(path).Load("zeta")
	if err != nil {
		t.Fatal(err)
	}

	compact := bytes.Buffer{}
	if err := json.Compact(&compact, loaded.ColumnState); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(compact.Bytes(), layout.ColumnState) {
		t.Errorf("column state changed: %s", loaded.ColumnState)
	}

	if err := store.Delete("zeta"); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete("zeta"); err != nil {
		t.Errorf("deleting a missing layout failed: %v", err)
	}

	if _, err := store.Load("zeta"); !errors.Is(err, ErrLayoutNotFound) {
		t.Errorf("deleted layout still loads: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestLayoutRoutes(t *testing.T) {
	store := NewLayoutStore(filepath.Join(t.TempDir(), "layouts.json"))
	server := httptest.NewServer(LayoutRoutes(store, testLogger(), 0))
	defer server.Close()

	c := server.Client()

	req, err := http.NewRequest(http.MethodPut, server.URL+"/mine", bytes.NewReader([]byte(`{"columnState":[1],"filterModel":{}}`)))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %v", resp.StatusCode)
	}

	resp, err = c.Get(server.URL + "/mine")
	if err != nil {
		t.Fatal(err)
	}

	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != `{"columnState":[1],"filterModel":{}}` {
		t.Errorf("unexpected layout %s", b)
	}

	resp, err = c.Get(server.URL + "/")
	if err != nil {
		t.Fatal(err)
	}

	names := []string{}
	err = json.NewDecoder(resp.Body).Decode(&names)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	if len(names) != 1 || names[0] != "mine" {
		t.Errorf("unexpected names %v", names)
	}

	req, err = http.NewRequest(http.MethodDelete, server.URL+"/mine", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	resp, err = c.Get(server.URL + "/mine")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %v", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodPut, server.URL+"/bad", bytes.NewReader([]byte(`not json`)))
	if err != nil {
		t.Fatal(err)
	}

	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %v", resp.StatusCode)
	}
}

func TestLayoutRoutesBodyLimit(t *testing.T) {
	store := NewLayoutStore(filepath.Join(t.TempDir(), "layouts.json"))
	server := httptest.NewServer(LayoutRoutes(store, testLogger(), 64))
	defer server.Close()

	body := `{"columnState":"` + strings.Repeat("x", 128) + `","filterModel":{}}`
	req, err := http.NewRequest(http.MethodPut, server.URL+"/big", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", resp.StatusCode)
	}

	if _, err := store.Load("big"); !errors.Is(err, ErrLayoutNotFound) {
		t.Errorf("oversized layout was stored: %v", err)
	}

	req, err = http.NewRequest(http.MethodPut, server.URL+"/small", strings.NewReader(`{"columnState":[],"filterModel":{}}`))
	if err != nil {
		t.Fatal(err)
	}

	resp, err = server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 under the limit, got %v", resp.StatusCode)
	}
}
