package measure

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/cqm/internal/cql"
	"github.com/ehr/cqm/internal/platform/fhir"
)

// Registry holds the measures and CQL libraries the service can evaluate.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	measures  map[string]*Definition
	byURL     map[string]string
	libraries map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		measures:  make(map[string]*Definition),
		byURL:     make(map[string]string),
		libraries: make(map[string]string),
	}
}

// Put adds or replaces a measure.
func (r *Registry) Put(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measures[d.FHIRID] = d
	if d.URL != "" {
		r.byURL[d.URL] = d.FHIRID
	}
}

// Get finds a measure by id or canonical url.
func (r *Registry) Get(idOrURL string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.measures[idOrURL]; ok {
		return d, true
	}
	if id, ok := r.byURL[idOrURL]; ok {
		return r.measures[id], true
	}
	return nil, false
}

// List returns every measure ordered by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.measures))
	for _, d := range r.measures {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FHIRID < out[j].FHIRID })
	return out
}

// PutLibrary registers CQL source under name.
func (r *Registry) PutLibrary(name, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libraries[name] = source
}

// Library returns the CQL source for a library name or reference.
func (r *Registry) Library(ref string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.libraries[LibraryName(ref)]
	return src, ok
}

// LoadDir reads measure and library definitions from dir:
//
//	*.cql                  CQL library text, registered under its file name
//	                       and its "library" header name
//	*.json, *.yaml, *.yml  FHIR Measure or Library resources; YAML files
//	                       may hold several documents
//
// It returns the number of measures loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read measures directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".cql":
			if err := r.loadCQL(path); err != nil {
				return loaded, err
			}
		case ".json", ".yaml", ".yml":
			n, err := r.loadResources(path)
			if err != nil {
				return loaded, err
			}
			loaded += n
		}
	}
	return loaded, nil
}

func (r *Registry) loadCQL(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read library %s: %w", path, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	lib, err := cql.ParseLibrary(stem, "", string(content))
	if err != nil {
		return fmt.Errorf("library %s: %w", path, err)
	}
	r.PutLibrary(stem, string(content))
	if lib.Name != stem {
		r.PutLibrary(lib.Name, string(content))
	}
	return nil
}

func (r *Registry) loadResources(path string) (int, error) {
	docs, err := decodeResources(path)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, doc := range docs {
		switch doc.ResourceType() {
		case "Measure":
			d, err := NewDefinition(doc)
			if err != nil {
				return loaded, fmt.Errorf("%s: %w", path, err)
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = time.Now().UTC()
				d.UpdatedAt = d.CreatedAt
			}
			r.Put(d)
			loaded++
		case "Library":
			src, ok := LibraryCQL(doc)
			if !ok {
				return loaded, fmt.Errorf("%s: Library %s has no text/cql content", path, doc.ResourceID())
			}
			for _, name := range []string{doc.ResourceID(), doc.String("name")} {
				if name != "" {
					r.PutLibrary(name, src)
				}
			}
		}
	}
	return loaded, nil
}

func decodeResources(path string) ([]fhir.Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var doc fhir.Object
		if err := json.NewDecoder(f).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return []fhir.Object{doc}, nil
	}

	var docs []fhir.Object
	dec := yaml.NewDecoder(f)
	for {
		var doc map[string]interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if doc != nil {
			docs = append(docs, fhir.Object(doc))
		}
	}
	return docs, nil
}
