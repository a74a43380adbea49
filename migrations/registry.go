// Package migrations registers the bundled provisioning schema with a
// migration runner, one filesystem per SQL dialect.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	provisioning "github.com/goliatone/go-provisioning"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultSourceLabel = "go-provisioning"
	migrationsDir      = "data/sql/migrations"
)

// CoreTables lists the tables created by the bundled up migrations.
var CoreTables = []string{
	"provisioning_task_executions",
	"provisioning_outcomes",
	"provisioning_resource_links",
	"provisioning_policies",
	"provisioning_throttle_state",
}

var ErrNoRegisterFunc = errors.New("migrations: register function is required")

// dialectLayouts maps each dialect to its directory below the migrations root.
var dialectLayouts = []struct {
	dialect string
	subdir  string
}{
	{dialect: DialectPostgres, subdir: "."},
	{dialect: DialectSQLite, subdir: "sqlite"},
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// Registration is the resolved set of filesystems handed to RegisterFunc.
type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.SourceLabel = label
		}
	}
}

// WithValidationTargets limits registration to the named dialects. Blank
// names are ignored and an empty list keeps the defaults.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if next := normalizeDialects(targets); len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// WithFilesystems replaces the bundled filesystems, for hosts that ship their
// own copy of the schema.
func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		var kept []FilesystemSpec
		for _, spec := range filesystems {
			spec.Dialect = normalizeDialect(spec.Dialect)
			if spec.Dialect == "" || spec.FS == nil {
				continue
			}
			kept = append(kept, spec)
		}
		if len(kept) > 0 {
			r.Filesystems = kept
		}
	}
}

// Filesystems resolves the per-dialect migration directories from source, or
// from the embedded schema when source is omitted. Every directory must hold
// at least one up migration.
func Filesystems(source ...fs.FS) ([]FilesystemSpec, error) {
	root := provisioning.GetCoreMigrationsFS()
	if len(source) > 0 && source[0] != nil {
		root = source[0]
	}
	base, basePath, err := locateRoot(root)
	if err != nil {
		return nil, err
	}

	specs := make([]FilesystemSpec, 0, len(dialectLayouts))
	for _, layout := range dialectLayouts {
		sub := base
		path := basePath
		if layout.subdir != "." {
			if sub, err = fs.Sub(base, layout.subdir); err != nil {
				return nil, fmt.Errorf("migrations: resolve %s filesystem: %w", layout.dialect, err)
			}
			path = joinPath(basePath, layout.subdir)
		}
		ups, err := fs.Glob(sub, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", layout.dialect, path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", layout.dialect, path)
		}
		specs = append(specs, FilesystemSpec{Dialect: layout.dialect, Path: path, FS: sub})
	}
	return specs, nil
}

// Register hands the filesystem of every validation target to registerFn.
// Dialects outside the targets are skipped.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if err := reg.validate(registerFn); err != nil {
		return reg, err
	}

	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

func (r Registration) validate(registerFn RegisterFunc) error {
	switch {
	case registerFn == nil:
		return ErrNoRegisterFunc
	case len(r.ValidationTargets) == 0:
		return fmt.Errorf("migrations: validation targets are required")
	case strings.TrimSpace(r.SourceLabel) == "":
		return fmt.Errorf("migrations: source label is required")
	case len(r.Filesystems) == 0:
		return fmt.Errorf("migrations: filesystems are required")
	}
	return nil
}

// locateRoot accepts either a tree containing data/sql/migrations or a flat
// directory of .sql files.
func locateRoot(root fs.FS) (fs.FS, string, error) {
	if _, statErr := fs.Stat(root, migrationsDir); statErr == nil {
		sub, err := fs.Sub(root, migrationsDir)
		if err != nil {
			return nil, "", fmt.Errorf("migrations: %w", err)
		}
		return sub, migrationsDir, nil
	}
	if flat, _ := fs.Glob(root, "*.sql"); len(flat) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", migrationsDir)
}

func normalizeDialect(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeDialects(values []string) []string {
	var out []string
	for _, value := range values {
		if value = normalizeDialect(value); value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}

func joinPath(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
