// Package catalog resolves the projects and droids that tasks refer to.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aristath/droidrunner/internal/persistence"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// ErrInvalid is returned for project or droid records that cannot be saved.
var ErrInvalid = errors.New("invalid catalog entry")

// Store is the persistence the catalog reads and writes.
// persistence.SQLiteStore implements it.
type Store interface {
	ListProjects(ctx context.Context) ([]scheduler.Project, error)
	GetProject(ctx context.Context, id string) (scheduler.Project, error)
	SaveProject(ctx context.Context, p scheduler.Project) error
	ListDroids(ctx context.Context) ([]scheduler.AgentDefinition, error)
	GetDroid(ctx context.Context, id string) (scheduler.AgentDefinition, error)
	SaveDroid(ctx context.Context, d scheduler.AgentDefinition) error
}

var (
	_ scheduler.ProjectCatalog = (*Catalog)(nil)
	_ scheduler.AgentCatalog   = (*Catalog)(nil)
)

// Catalog is the store-backed project and droid registry.
type Catalog struct {
	store  Store
	logger *slog.Logger
}

// New creates a Catalog over store.
func New(store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger.With("component", "catalog")}
}

// ResolveProject returns the working directory of a project.
func (c *Catalog) ResolveProject(ctx context.Context, id string) (string, bool) {
	p, err := c.store.GetProject(ctx, id)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			c.logger.Error("project lookup failed", "project_id", id, "error", err)
		}
		return "", false
	}
	return p.Path, true
}

// ResolveAgent returns a droid definition.
func (c *Catalog) ResolveAgent(ctx context.Context, id string) (scheduler.AgentDefinition, bool) {
	d, err := c.store.GetDroid(ctx, id)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			c.logger.Error("droid lookup failed", "droid_id", id, "error", err)
		}
		return scheduler.AgentDefinition{}, false
	}
	return d, true
}

// Projects lists registered projects.
func (c *Catalog) Projects(ctx context.Context) ([]scheduler.Project, error) {
	return c.store.ListProjects(ctx)
}

// Droids lists registered droids.
func (c *Catalog) Droids(ctx context.Context) ([]scheduler.AgentDefinition, error) {
	return c.store.ListDroids(ctx)
}

// AddProject registers a project directory. The path is made absolute and
// must be an existing directory. Name defaults to the directory name and ID
// to a slug of the name.
func (c *Catalog) AddProject(ctx context.Context, p scheduler.Project) (scheduler.Project, error) {
	if strings.TrimSpace(p.Path) == "" {
		return p, fmt.Errorf("%w: project path is required", ErrInvalid)
	}
	abs, err := filepath.Abs(p.Path)
	if err != nil {
		return p, fmt.Errorf("failed to resolve project path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return p, fmt.Errorf("%w: project path %s: %w", ErrInvalid, abs, err)
	}
	if !info.IsDir() {
		return p, fmt.Errorf("%w: project path %s is not a directory", ErrInvalid, abs)
	}

	p.Path = abs
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = filepath.Base(abs)
	}
	if p.ID == "" {
		p.ID = Slug(p.Name)
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: cannot derive a project id from %q", ErrInvalid, p.Name)
	}

	if err := c.store.SaveProject(ctx, p); err != nil {
		return p, err
	}
	c.logger.Info("project registered", "project_id", p.ID, "path", p.Path)
	return p, nil
}

// AddDroid registers a droid authored in this tool. Its system prompt is
// injected into every task prompt.
func (c *Catalog) AddDroid(ctx context.Context, d scheduler.AgentDefinition) (scheduler.AgentDefinition, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.ID == "" {
		d.ID = Slug(d.Name)
	}
	if d.ID == "" {
		return d, fmt.Errorf("%w: droid id or name is required", ErrInvalid)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Scope == "" {
		d.Scope = scheduler.ScopeGlobal
	}

	if err := c.store.SaveDroid(ctx, d); err != nil {
		return d, err
	}
	c.logger.Info("droid registered", "droid_id", d.ID, "imported", d.Imported())
	return d, nil
}

// ImportDroidFile registers a droid defined in a markdown file with YAML
// frontmatter. Imported droids are run by name; their body stays with the
// file and is kept here for display only.
func (c *Catalog) ImportDroidFile(ctx context.Context, path string, scope scheduler.AgentScope) (scheduler.AgentDefinition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return scheduler.AgentDefinition{}, fmt.Errorf("failed to resolve droid path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return scheduler.AgentDefinition{}, fmt.Errorf("%w: failed to read droid file: %w", ErrInvalid, err)
	}
	parsed, err := parseDroidMarkdown(data)
	if err != nil {
		return scheduler.AgentDefinition{}, fmt.Errorf("%w: %s: %w", ErrInvalid, abs, err)
	}

	base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	d := scheduler.AgentDefinition{
		ID:            Slug(base),
		Name:          parsed.Name,
		Description:   parsed.Description,
		SystemPrompt:  parsed.Body,
		Model:         parsed.Model,
		EnabledTools:  parsed.Tools,
		DisabledTools: parsed.DisabledTools,
		SourcePath:    abs,
		Scope:         scope,
	}
	return c.AddDroid(ctx, d)
}

// ImportDroidDir imports every *.md file in dir. Files that fail to parse are
// logged and skipped.
func (c *Catalog) ImportDroidDir(ctx context.Context, dir string, scope scheduler.AgentScope) ([]scheduler.AgentDefinition, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to list droid files: %w", err)
	}

	var imported []scheduler.AgentDefinition
	for _, path := range matches {
		d, err := c.ImportDroidFile(ctx, path, scope)
		if errors.Is(err, ErrInvalid) {
			c.logger.Warn("skipping droid file", "path", path, "error", err)
			continue
		}
		if err != nil {
			return imported, err
		}
		imported = append(imported, d)
	}
	return imported, nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and joins its alphanumeric runs with dashes.
func Slug(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
