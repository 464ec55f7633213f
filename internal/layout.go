package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

var ErrLayoutNotFound = errors.New("layout not found")

// Layout is a saved grid view. Both fields are stored as given.
type Layout struct {
	ColumnState json.RawMessage `json:"columnState"`
	FilterModel json.RawMessage `json:"filterModel"`
}

// LayoutStore keeps every named layout in a single JSON file.
type LayoutStore struct {
	lock sync.Mutex
	path string
}

func NewLayoutStore(path string) *LayoutStore {
	return &LayoutStore{path: path}
}

func (s *LayoutStore) read() (map[string]Layout, error) {
	layouts := map[string]Layout{}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return layouts, nil
	} else if err != nil {
		return nil, err
	}

	if len(b) == 0 {
		return layouts, nil
	}

	if err := json.Unmarshal(b, &layouts); err != nil {
		return nil, fmt.Errorf("decode %v: %w", s.path, err)
	}

	return layouts, nil
}

func (s *LayoutStore) write(layouts map[string]Layout) error {
	b, err := json.MarshalIndent(layouts, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".layouts-*")
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

func (s *LayoutStore) List() ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	layouts, err := s.read()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func (s *LayoutStore) Load(name string) (Layout, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	layouts, err := s.read()
	if err != nil {
		return Layout{}, err
	}

	layout, ok := layouts[name]
	if !ok {
		return Layout{}, fmt.Errorf("%w: %v", ErrLayoutNotFound, name)
	}

	return layout, nil
}

func (s *LayoutStore) Save(name string, layout Layout) error {
	if name == "" {
		return errors.New("layout name is required")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	layouts, err := s.read()
	if err != nil {
		return err
	}

	layouts[name] = layout
	return s.write(layouts)
}

// Delete is a no-op for unknown names.
func (s *LayoutStore) Delete(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	layouts, err := s.read()
	if err != nil {
		return err
	}

	if _, ok := layouts[name]; !ok {
		return nil
	}

	delete(layouts, name)
	return s.write(layouts)
}

const defaultLayoutBytes = 64 << 10

// LayoutRoutes serves the store. Request bodies over maxBytes are rejected;
// a non-positive maxBytes uses 64 KiB.
func LayoutRoutes(store *LayoutStore, logger *slog.Logger, maxBytes int64) chi.Router {
	if maxBytes <= 0 {
		maxBytes = defaultLayoutBytes
	}

	router := chi.NewRouter()

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		names, err := store.List()
		if err != nil {
			logger.Error("failed to list layouts", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, names)
	})

	router.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
		layout, err := store.Load(chi.URLParam(r, "name"))
		if errors.Is(err, ErrLayoutNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			logger.Error("failed to load layout", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, layout)
	})

	router.Put("/{name}", func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}

			w.WriteHeader(http.StatusBadRequest)
			return
		}

		layout := Layout{}
		if err := json.Unmarshal(b, &layout); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := store.Save(chi.URLParam(r, "name"), layout); err != nil {
			logger.Error("failed to save layout", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	router.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Delete(chi.URLParam(r, "name")); err != nil {
			logger.Error("failed to delete layout", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
