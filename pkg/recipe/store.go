package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Validator issues one lightweight live request for a fragment. The probe
// package provides the production implementation.
type Validator interface {
	CheckFragment(ctx context.Context, baseURL, fragment string) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the JSON recipe file.
	Path string

	// TransactionPosition is the index of the transaction dimension for
	// fragments written as plain strings.
	TransactionPosition int

	// BaseURL is the dataset the recipes belong to. When set, URLs pasted
	// into UpdateFromURL must point at the same dataset.
	BaseURL string

	// Validator checks each pasted URL against the live API. Nil skips the
	// live check.
	Validator Validator
}

// Store holds named recipes backed by a JSON document keyed by recipe name.
// The store is owned by one logical actor and is not safe for concurrent use.
type Store struct {
	cfg     StoreConfig
	recipes map[string]*Recipe
	order   []string
	loaded  bool
	logger  zerolog.Logger
}

// NewStore creates a store. The file is read lazily on first use.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("recipe path is required")
	}
	if cfg.TransactionPosition < 0 {
		return nil, fmt.Errorf("transaction position must be >= 0 (got %d)", cfg.TransactionPosition)
	}
	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	return &Store{
		cfg:     cfg,
		recipes: make(map[string]*Recipe),
		logger:  log.With().Str("component", "recipe-store").Logger(),
	}, nil
}

// Load returns a copy of the named recipe. A store whose file does not exist
// yet is populated with the DEFAULT recipe, which is persisted immediately.
func (s *Store) Load(name string) (*Recipe, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	r, ok := s.recipes[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if err := r.Validate(s.cfg.TransactionPosition); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Names lists recipe names in file order.
func (s *Store) Names() ([]string, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.order...), nil
}

// Show returns copies of every recipe in file order. No network access.
func (s *Store) Show() ([]*Recipe, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]*Recipe, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.recipes[name].Clone())
	}
	return out, nil
}

// Put validates r and stores a copy in memory, replacing any recipe of the
// same name. Call Save to persist.
func (s *Store) Put(r *Recipe) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if err := r.Validate(s.cfg.TransactionPosition); err != nil {
		return err
	}
	s.set(r.Clone())
	return nil
}

// UpdateFromURL derives a fragment from each pasted URL and adds or replaces
// the column in the named recipe, creating the recipe if needed.
//
// Every column costs one live validation request when a Validator is
// configured. The update is all-or-nothing: if any URL is malformed, selects
// several series or fails validation, the recipe is left untouched and the
// joined errors are returned.
func (s *Store) UpdateFromURL(ctx context.Context, name string, urls map[string]string) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if len(urls) == 0 {
		return &ConfigError{Recipe: name, Reason: "no URLs given"}
	}

	columns := make([]string, 0, len(urls))
	for col := range urls {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var (
		updates []Column
		errs    []error
	)
	for _, col := range columns {
		base, fragment, err := ExtractFragment(urls[col])
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				cfgErr.Recipe, cfgErr.Column = name, col
			}
			errs = append(errs, err)
			continue
		}
		if err := CheckSingleSeries(col, fragment, s.cfg.TransactionPosition); err != nil {
			errs = append(errs, err)
			continue
		}
		if s.cfg.BaseURL != "" && base != s.cfg.BaseURL {
			errs = append(errs, &ConfigError{Recipe: name, Column: col, Reason: fmt.Sprintf(
				"URL belongs to dataset %s, recipes in this store use %s", base, s.cfg.BaseURL)})
			continue
		}
		if s.cfg.Validator != nil {
			if err := s.cfg.Validator.CheckFragment(ctx, base, fragment); err != nil {
				errs = append(errs, fmt.Errorf("column %q: validation request failed: %w", col, err))
				continue
			}
		}
		updates = append(updates, Column{Name: col, Fragment: fragment})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r, ok := s.recipes[name]
	if !ok {
		r = &Recipe{Name: name}
	} else {
		r = r.Clone()
	}
	for _, col := range updates {
		r.Set(col)
	}
	if err := r.Validate(s.cfg.TransactionPosition); err != nil {
		return err
	}
	for _, col := range updates {
		s.logger.Info().
			Str("recipe", name).
			Str("column", col.Name).
			Str("fragment", col.Fragment).
			Msg("Recipe column updated from URL")
	}
	s.set(r)
	return nil
}

// Remove deletes a recipe from memory. Call Save to persist.
func (s *Store) Remove(name string) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.recipes[name]; !ok {
		return &NotFoundError{Name: name}
	}
	delete(s.recipes, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Save writes recipes to the backing file atomically. Without names the
// whole in-memory set is written. With names, only those recipes are taken
// from memory and every other recipe on disk is preserved. Saving the same
// state twice produces the same file.
func (s *Store) Save(names ...string) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if len(names) == 0 {
		return s.write(s.order, s.recipes)
	}

	order, recipes, err := s.readFile()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if recipes == nil {
		recipes = make(map[string]*Recipe)
	}
	for _, name := range names {
		r, ok := s.recipes[name]
		if !ok {
			return &NotFoundError{Name: name}
		}
		if _, exists := recipes[name]; !exists {
			order = append(order, name)
		}
		recipes[name] = r
	}
	return s.write(order, recipes)
}

func (s *Store) set(r *Recipe) {
	if _, ok := s.recipes[r.Name]; !ok {
		s.order = append(s.order, r.Name)
	}
	s.recipes[r.Name] = r
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	order, recipes, err := s.readFile()
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info().Str("path", s.cfg.Path).Msg("Recipe file not found, writing DEFAULT recipe")
		def := Default()
		s.set(def)
		if err := s.write(s.order, s.recipes); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		s.order = order
		s.recipes = recipes
		s.logger.Debug().Str("path", s.cfg.Path).Int("recipes", len(order)).Msg("Recipe file loaded")
	}
	s.loaded = true
	return nil
}

func (s *Store) readFile() ([]string, map[string]*Recipe, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return nil, nil, err
	}

	var order []string
	recipes := make(map[string]*Recipe)
	err = decodeObject(json.NewDecoder(bytes.NewReader(data)), func(name string, raw json.RawMessage) error {
		r := &Recipe{}
		if err := json.Unmarshal(raw, r); err != nil {
			return fmt.Errorf("recipe %q: %w", name, err)
		}
		r.Name = name
		if _, dup := recipes[name]; !dup {
			order = append(order, name)
		}
		recipes[name] = r
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("parse recipe file %s: %w", s.cfg.Path, err)
	}
	return order, recipes, nil
}

func (s *Store) write(order []string, recipes map[string]*Recipe) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, name); err != nil {
			return err
		}
		data, err := recipes[name].MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal recipe %q: %w", name, err)
		}
		buf.Write(data)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "    "); err != nil {
		return fmt.Errorf("format recipe file: %w", err)
	}
	out.WriteByte('\n')

	if dir := filepath.Dir(s.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create recipe directory: %w", err)
		}
	}
	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write recipe file: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace recipe file: %w", err)
	}

	s.logger.Info().Str("path", s.cfg.Path).Int("recipes", len(order)).Msg("Recipe file written")
	return nil
}
