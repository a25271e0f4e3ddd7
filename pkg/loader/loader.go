package loader

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/terracarta/geosync/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// TreeReader is the slice of the repository mirror the loader needs.
type TreeReader interface {
	ReadTree(commit, pathPrefix string) (map[string][]byte, error)
}

// ParseError marks a malformed or inconsistent configuration file. A single
// ParseError fails the whole load; no partial document is ever returned.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Loader reads the declarative files of one environment at a given commit
// into a validated ConfigurationDocument. Loads are pure per (commit, path)
// and cached by commit SHA.
type Loader struct {
	reader   TreeReader
	validate *validator.Validate
	log      *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]*models.ConfigurationDocument
}

// NewLoader creates a Loader on top of a repository tree reader.
func NewLoader(reader TreeReader, log *zap.SugaredLogger) *Loader {
	return &Loader{
		reader:   reader,
		validate: validator.New(),
		log:      log,
		cache:    make(map[string]*models.ConfigurationDocument),
	}
}

// Load reads and validates the configuration for envPath at commit.
func (l *Loader) Load(commit, envPath string) (*models.ConfigurationDocument, error) {
	cacheKey := commit + ":" + envPath

	l.mu.Lock()
	if doc, ok := l.cache[cacheKey]; ok {
		l.mu.Unlock()
		return doc, nil
	}
	l.mu.Unlock()

	files, err := l.reader.ReadTree(commit, envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration tree at %s: %w", commit, err)
	}
	if len(files) == 0 {
		return nil, &ParseError{Path: envPath, Err: fmt.Errorf("no configuration files found at commit %s", commit)}
	}

	doc := &models.ConfigurationDocument{
		Commit:      commit,
		Environment: envPath,
		Datasources: make(map[string]models.Datasource),
	}

	// Deterministic file order so duplicate-id errors are stable.
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, filePath := range paths {
		if !strings.HasSuffix(filePath, ".yaml") && !strings.HasSuffix(filePath, ".yml") {
			continue
		}
		switch {
		case inSubdir(filePath, envPath, "services"):
			if err := l.loadService(doc, filePath, files[filePath]); err != nil {
				return nil, err
			}
		case inSubdir(filePath, envPath, "datasources"):
			if err := l.loadDatasource(doc, filePath, files[filePath]); err != nil {
				return nil, err
			}
		default:
			l.log.Debugw("Ignoring file outside services/ and datasources/", "path", filePath)
		}
	}

	if err := l.crossCheck(doc); err != nil {
		return nil, err
	}

	sort.Slice(doc.Services, func(i, j int) bool {
		return doc.Services[i].ID < doc.Services[j].ID
	})

	l.mu.Lock()
	l.cache[cacheKey] = doc
	l.mu.Unlock()

	l.log.Debugw("Loaded configuration document",
		"commit", commit,
		"environment", envPath,
		"services", len(doc.Services),
		"datasources", len(doc.Datasources))
	return doc, nil
}

func (l *Loader) loadService(doc *models.ConfigurationDocument, filePath string, data []byte) error {
	var svc models.Service
	if err := strictUnmarshal(data, &svc); err != nil {
		return &ParseError{Path: filePath, Err: err}
	}
	if err := l.validate.Struct(&svc); err != nil {
		return &ParseError{Path: filePath, Err: err}
	}
	if doc.Service(svc.ID) != nil {
		return &ParseError{Path: filePath, Err: fmt.Errorf("duplicate service id %q", svc.ID)}
	}
	seen := make(map[string]struct{})
	for _, layer := range svc.Layers {
		if _, ok := seen[layer.ID]; ok {
			return &ParseError{Path: filePath, Err: fmt.Errorf("duplicate layer id %q in service %q", layer.ID, svc.ID)}
		}
		seen[layer.ID] = struct{}{}
	}
	doc.Services = append(doc.Services, svc)
	return nil
}

func (l *Loader) loadDatasource(doc *models.ConfigurationDocument, filePath string, data []byte) error {
	var ds models.Datasource
	if err := strictUnmarshal(data, &ds); err != nil {
		return &ParseError{Path: filePath, Err: err}
	}
	if err := l.validate.Struct(&ds); err != nil {
		return &ParseError{Path: filePath, Err: err}
	}
	if _, ok := doc.Datasources[ds.ID]; ok {
		return &ParseError{Path: filePath, Err: fmt.Errorf("duplicate datasource id %q", ds.ID)}
	}
	doc.Datasources[ds.ID] = ds
	return nil
}

// crossCheck verifies every layer references a declared datasource.
func (l *Loader) crossCheck(doc *models.ConfigurationDocument) error {
	for _, svc := range doc.Services {
		for _, layer := range svc.Layers {
			if _, ok := doc.Datasources[layer.Datasource]; !ok {
				return &ParseError{
					Path: doc.Environment,
					Err:  fmt.Errorf("layer %q in service %q references unknown datasource %q", layer.ID, svc.ID, layer.Datasource),
				}
			}
		}
	}
	return nil
}

// strictUnmarshal decodes YAML rejecting unknown fields.
func strictUnmarshal(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	// Reject trailing documents; one resource per file.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected second YAML document")
	}
	return nil
}

func inSubdir(filePath, envPath, subdir string) bool {
	prefix := path.Join(envPath, subdir) + "/"
	return strings.HasPrefix(filePath, prefix)
}
