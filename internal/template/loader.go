package template

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/fingerprint"
)

//go:embed bundled/*.json
var bundledFS embed.FS

// LoaderConfig tunes template loading.
type LoaderConfig struct {
	// FailOnError aborts loading on the first bad template instead of skipping it.
	FailOnError bool
	// RequireAll fails when any recognized form type has no template.
	RequireAll  bool
	Concurrency int
	Logger      *log.Logger
	Clock       func() time.Time
}

// LoadFailure records a template that was skipped.
type LoadFailure struct {
	File string `json:"file"`
	Err  string `json:"error"`
}

// Registry is the read-only template cache keyed by form type.
type Registry struct {
	templates map[domain.FormType]*Template
	failures  []LoadFailure
	loadedAt  time.Time
}

// Stats summarizes the loaded catalog.
type Stats struct {
	Templates int       `json:"templates"`
	Sections  int       `json:"sections"`
	Fields    int       `json:"fields"`
	Rules     int       `json:"rules"`
	Failed    int       `json:"failed"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// LoadBundled loads the templates compiled into the binary.
func LoadBundled(ctx context.Context, cfg LoaderConfig) (*Registry, error) {
	cfg.RequireAll = true
	return LoadFS(ctx, bundledFS, "bundled", cfg)
}

// LoadFS parses and validates every *.json file in dir concurrently.
func LoadFS(ctx context.Context, fsys fs.FS, dir string, cfg LoaderConfig) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %q: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, path.Join(dir, entry.Name()))
	}

	parsed := make([]*Template, len(files))
	var (
		mu       sync.Mutex
		failures []LoadFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := fs.ReadFile(fsys, file)
			if err == nil {
				var tpl *Template
				tpl, err = Parse(raw)
				if err == nil {
					err = Validate(tpl)
				}
				if err == nil {
					parsed[i] = tpl
					return nil
				}
			}
			if cfg.FailOnError {
				return fmt.Errorf("load template %s: %w", file, err)
			}
			logger.Warn("skipping invalid template", "file", file, "err", err)
			mu.Lock()
			failures = append(failures, LoadFailure{File: file, Err: err.Error()})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reg := &Registry{
		templates: make(map[domain.FormType]*Template, len(parsed)),
		loadedAt:  clock().UTC(),
	}
	for i, tpl := range parsed {
		if tpl == nil {
			continue
		}
		if prev, dup := reg.templates[tpl.FormType]; dup {
			err := fmt.Errorf("form type %s already provided by %s", tpl.FormType, prev.TemplateID)
			if cfg.FailOnError {
				return nil, fmt.Errorf("load template %s: %w", files[i], err)
			}
			logger.Warn("skipping duplicate template", "file", files[i], "err", err)
			failures = append(failures, LoadFailure{File: files[i], Err: err.Error()})
			continue
		}
		reg.templates[tpl.FormType] = tpl
	}
	if cfg.RequireAll {
		var missing []string
		for _, ft := range domain.FormTypes() {
			if _, ok := reg.templates[ft]; !ok {
				missing = append(missing, string(ft))
			}
		}
		if len(missing) > 0 {
			err := fmt.Errorf("no template for %s", strings.Join(missing, ", "))
			if cfg.FailOnError {
				return nil, err
			}
			logger.Warn("template catalog incomplete", "err", err)
		}
	}
	slices.SortFunc(failures, func(a, b LoadFailure) int { return strings.Compare(a.File, b.File) })
	reg.failures = failures

	stats := reg.Stats()
	logger.Debug("templates loaded", "templates", stats.Templates, "fields", stats.Fields, "failed", stats.Failed)
	return reg, nil
}

// Parse decodes one template document and records its checksum.
func Parse(raw []byte) (*Template, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode template: trailing content")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	sum, _, err := fingerprint.Of(fingerprint.DomainTemplate, generic)
	if err != nil {
		return nil, fmt.Errorf("checksum template: %w", err)
	}
	tpl.checksum = sum
	return &tpl, nil
}

// Get returns the template for a form type.
func (r *Registry) Get(ft domain.FormType) (*Template, bool) {
	if r == nil {
		return nil, false
	}
	tpl, ok := r.templates[ft]
	return tpl, ok
}

// AvailableFormTypes lists loaded form types in catalog order.
func (r *Registry) AvailableFormTypes() []domain.FormType {
	var out []domain.FormType
	for _, ft := range domain.FormTypes() {
		if _, ok := r.templates[ft]; ok {
			out = append(out, ft)
		}
	}
	return out
}

// All returns loaded templates in catalog order.
func (r *Registry) All() []*Template {
	out := make([]*Template, 0, len(r.templates))
	for _, ft := range r.AvailableFormTypes() {
		out = append(out, r.templates[ft])
	}
	return out
}

// Failures lists templates skipped during load.
func (r *Registry) Failures() []LoadFailure {
	return slices.Clone(r.failures)
}

// Stats counts templates, sections, fields and rules.
func (r *Registry) Stats() Stats {
	s := Stats{Templates: len(r.templates), Failed: len(r.failures), LoadedAt: r.loadedAt}
	for _, tpl := range r.templates {
		c := tpl.Counts()
		s.Sections += c.Sections
		s.Fields += c.Fields
		s.Rules += c.Rules
	}
	return s
}
