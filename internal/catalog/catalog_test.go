package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/aristath/droidrunner/internal/persistence"
	"github.com/aristath/droidrunner/internal/scheduler"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestAddProject(t *testing.T) {
	ctx := context.Background()
	c := testCatalog(t)
	dir := filepath.Join(t.TempDir(), "My Repo")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	p, err := c.AddProject(ctx, scheduler.Project{Path: dir})
	if err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}
	if p.ID != "my-repo" || p.Name != "My Repo" || p.Path != dir {
		t.Errorf("project = %+v", p)
	}

	path, ok := c.ResolveProject(ctx, "my-repo")
	if !ok || path != dir {
		t.Errorf("ResolveProject = %q, %v", path, ok)
	}
	if _, ok := c.ResolveProject(ctx, "unknown"); ok {
		t.Error("unknown project resolved")
	}

	projects, err := c.Projects(ctx)
	if err != nil || len(projects) != 1 {
		t.Errorf("Projects = %v, %v", projects, err)
	}
}

func TestAddProject_Invalid(t *testing.T) {
	ctx := context.Background()
	c := testCatalog(t)
	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing dir", filepath.Join(t.TempDir(), "nope")},
		{"not a directory", file},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.AddProject(ctx, scheduler.Project{Path: tt.path}); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestAddDroid(t *testing.T) {
	ctx := context.Background()
	c := testCatalog(t)

	d, err := c.AddDroid(ctx, scheduler.AgentDefinition{Name: "Code Reviewer", SystemPrompt: "Review carefully."})
	if err != nil {
		t.Fatalf("AddDroid failed: %v", err)
	}
	if d.ID != "code-reviewer" || d.Scope != scheduler.ScopeGlobal || d.Imported() {
		t.Errorf("droid = %+v", d)
	}

	got, ok := c.ResolveAgent(ctx, "code-reviewer")
	if !ok || got.SystemPrompt != "Review carefully." {
		t.Errorf("ResolveAgent = %+v, %v", got, ok)
	}
	if _, ok := c.ResolveAgent(ctx, "ghost"); ok {
		t.Error("unknown droid resolved")
	}
	if _, err := c.AddDroid(ctx, scheduler.AgentDefinition{Name: "  "}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestImportDroidFile(t *testing.T) {
	ctx := context.Background()
	c := testCatalog(t)
	path := filepath.Join(t.TempDir(), ".factory", "droids", "security-auditor.md")
	writeFile(t, path, `---
name: Security Auditor
description: Finds vulnerabilities
model: claude-opus-4-1
tools: Read, Grep , Glob
disabled_tools:
  - Execute
---

You audit code for security issues.
`)

	d, err := c.ImportDroidFile(ctx, path, scheduler.ScopeProject)
	if err != nil {
		t.Fatalf("ImportDroidFile failed: %v", err)
	}
	if d.ID != "security-auditor" || d.Name != "Security Auditor" || d.Description != "Finds vulnerabilities" {
		t.Errorf("droid = %+v", d)
	}
	if d.Model != "claude-opus-4-1" || d.Scope != scheduler.ScopeProject || d.SourcePath != path {
		t.Errorf("droid = %+v", d)
	}
	if !slices.Equal(d.EnabledTools, []string{"Read", "Grep", "Glob"}) {
		t.Errorf("enabled tools = %v", d.EnabledTools)
	}
	if !slices.Equal(d.DisabledTools, []string{"Execute"}) {
		t.Errorf("disabled tools = %v", d.DisabledTools)
	}
	if d.SystemPrompt != "You audit code for security issues." {
		t.Errorf("body = %q", d.SystemPrompt)
	}
	if !d.Imported() {
		t.Error("imported droid should report Imported")
	}

	stored, ok := c.ResolveAgent(ctx, "security-auditor")
	if !ok || stored.SourcePath != path {
		t.Errorf("stored = %+v, %v", stored, ok)
	}
}

func TestImportDroidDir(t *testing.T) {
	ctx := context.Background()
	c := testCatalog(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "---\nname: A\n---\nbody a\n")
	writeFile(t, filepath.Join(dir, "b.md"), "plain body without frontmatter\n")
	writeFile(t, filepath.Join(dir, "broken.md"), "---\nname: [unclosed\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	imported, err := c.ImportDroidDir(ctx, dir, scheduler.ScopeGlobal)
	if err != nil {
		t.Fatalf("ImportDroidDir failed: %v", err)
	}
	var ids []string
	for _, d := range imported {
		ids = append(ids, d.ID)
	}
	if !slices.Equal(ids, []string{"a", "b"}) {
		t.Errorf("imported = %v, want [a b]", ids)
	}

	droids, err := c.Droids(ctx)
	if err != nil || len(droids) != 2 {
		t.Errorf("Droids = %v, %v", droids, err)
	}
	if droids[1].Name != "b" {
		t.Errorf("droid without a name should fall back to its id, got %q", droids[1].Name)
	}
}

func TestParseDroidMarkdown(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantTools []string
		wantBody  string
		wantErr   bool
	}{
		{
			name:      "tools as list",
			input:     "---\nname: x\ntools: [Read, Edit]\n---\nbody\n",
			wantName:  "x",
			wantTools: []string{"Read", "Edit"},
			wantBody:  "body",
		},
		{
			name:     "no frontmatter",
			input:    "just instructions",
			wantBody: "just instructions",
		},
		{
			name:     "crlf delimiters",
			input:    "---\r\nname: y\r\n---\r\nbody\r\n",
			wantName: "y",
			wantBody: "body",
		},
		{
			name:     "empty frontmatter",
			input:    "---\n---\nbody",
			wantBody: "body",
		},
		{
			name:    "unclosed frontmatter",
			input:   "---\nname: z\n",
			wantErr: true,
		},
		{
			name:    "tools wrong type",
			input:   "---\ntools:\n  a: b\n---\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDroidMarkdown([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Name != tt.wantName {
				t.Errorf("name = %q, want %q", got.Name, tt.wantName)
			}
			if len(tt.wantTools) > 0 && !slices.Equal(got.Tools, tt.wantTools) {
				t.Errorf("tools = %v, want %v", got.Tools, tt.wantTools)
			}
			if got.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", got.Body, tt.wantBody)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Code Reviewer":   "code-reviewer",
		"  api--server  ": "api-server",
		"Ünïcode!":        "n-code",
		"___":             "",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
