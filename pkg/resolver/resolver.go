package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolver is the dependency resolution collaborator. Results are ordered
// and every entry carries an existing local file.
type Resolver interface {
	// ResolveAll returns every runtime and test dependency declared by the manifest.
	ResolveAll(ctx context.Context, manifest string) ([]ResolvedDependency, error)

	// Resolve returns one named dependency plus its transitive closure.
	Resolve(ctx context.Context, manifest string, coordinate string) ([]ResolvedDependency, error)
}

// Lockfile is the on-disk dependency manifest read by LockfileResolver.
//
// Example:
//
//	repository: ~/.m2/repository
//	dependencies:
//	  - coordinate: org.example:app-lib:1.2.0
//	    scope: compile
//	    requires: [org.example:app-core]
//	  - coordinate: org.example:app-core:1.2.0
//	    file: ./libs/app-core.jar
type Lockfile struct {
	// Optional local repository root used when an entry has no explicit file
	Repository string `yaml:"repository"`

	Dependencies []LockEntry `yaml:"dependencies"`
}

// LockEntry declares one dependency
type LockEntry struct {
	Coordinate string   `yaml:"coordinate"`
	Scope      Scope    `yaml:"scope"`
	File       string   `yaml:"file"`
	Requires   []string `yaml:"requires"`
}

// LockfileResolver resolves dependencies from a YAML lockfile against local
// files and Maven-layout repositories. It never touches the network.
type LockfileResolver struct {
	// Repositories are searched in order for entries without an explicit file
	Repositories []string

	logger *slog.Logger
}

// NewLockfileResolver creates a resolver searching the given local repositories.
// With no repositories, ~/.m2/repository is used.
func NewLockfileResolver(logger *slog.Logger, repositories ...string) *LockfileResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(repositories) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			repositories = []string{filepath.Join(home, ".m2", "repository")}
		}
	}
	return &LockfileResolver{Repositories: repositories, logger: logger}
}

type lockedDependency struct {
	ResolvedDependency
	requires []Coordinate
}

// ResolveAll implements Resolver
func (r *LockfileResolver) ResolveAll(ctx context.Context, manifest string) ([]ResolvedDependency, error) {
	entries, err := r.load(manifest)
	if err != nil {
		return nil, err
	}

	var deps []ResolvedDependency
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch e.Scope {
		case ScopeCompile, ScopeRuntime, ScopeTest, ScopeSystem:
			deps = append(deps, e.ResolvedDependency)
		default:
			r.logger.Debug("skipping dependency outside runtime and test scopes",
				"coordinate", e.Coordinate.String(), "scope", e.Scope)
		}
	}

	r.logger.Info("resolved manifest dependencies", "manifest", manifest, "count", len(deps))
	return deps, nil
}

// Resolve implements Resolver
func (r *LockfileResolver) Resolve(ctx context.Context, manifest string, coordinate string) ([]ResolvedDependency, error) {
	want, err := ParseCoordinate(coordinate)
	if err != nil {
		return nil, err
	}

	entries, err := r.load(manifest)
	if err != nil {
		return nil, err
	}

	root := find(entries, want)
	if root == nil {
		return nil, fmt.Errorf("dependency %s not declared in %s", coordinate, manifest)
	}

	// Breadth-first walk keeps declaration order stable and visits each GA once.
	var deps []ResolvedDependency
	seen := map[string]bool{root.GA(): true}
	queue := []*lockedDependency{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := queue[0]
		queue = queue[1:]
		deps = append(deps, next.ResolvedDependency)

		for _, req := range next.requires {
			dep := find(entries, req)
			if dep == nil {
				return nil, fmt.Errorf("%s requires %s which is not declared in %s", next.GA(), req.GA(), manifest)
			}
			if seen[dep.GA()] {
				continue
			}
			seen[dep.GA()] = true
			queue = append(queue, dep)
		}
	}

	r.logger.Info("resolved dependency", "coordinate", coordinate, "transitive_count", len(deps))
	return deps, nil
}

func find(entries []*lockedDependency, want Coordinate) *lockedDependency {
	for _, e := range entries {
		if e.Coordinate.Matches(want) {
			return e
		}
	}
	return nil
}

func (r *LockfileResolver) load(manifest string) ([]*lockedDependency, error) {
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("read lockfile: %w", err)
	}

	var lock Lockfile
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}

	baseDir := filepath.Dir(manifest)
	repos := r.Repositories
	if lock.Repository != "" {
		repos = append([]string{expandHome(lock.Repository)}, repos...)
	}

	entries := make([]*lockedDependency, 0, len(lock.Dependencies))
	for i, e := range lock.Dependencies {
		coord, err := ParseCoordinate(e.Coordinate)
		if err != nil {
			return nil, fmt.Errorf("dependency %d: %w", i, err)
		}
		if coord.Version == "" {
			return nil, fmt.Errorf("dependency %d: %s has no version", i, e.Coordinate)
		}

		scope := e.Scope
		if scope == "" {
			scope = ScopeCompile
		}

		file, err := locate(coord, e.File, baseDir, repos)
		if err != nil {
			return nil, err
		}

		requires := make([]Coordinate, 0, len(e.Requires))
		for _, req := range e.Requires {
			rc, err := ParseCoordinate(req)
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", coord.GA(), err)
			}
			requires = append(requires, rc)
		}

		entries = append(entries, &lockedDependency{
			ResolvedDependency: ResolvedDependency{Scope: scope, Coordinate: coord, File: file},
			requires:           requires,
		})
	}
	return entries, nil
}

func locate(coord Coordinate, file, baseDir string, repos []string) (string, error) {
	if file != "" {
		file = expandHome(file)
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		if _, err := os.Stat(file); err != nil {
			return "", fmt.Errorf("dependency %s: %w", coord, err)
		}
		return filepath.Abs(file)
	}

	for _, repo := range repos {
		candidate := coord.RepositoryPath(repo)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("dependency %s not found in local repositories %v", coord, repos)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

var _ Resolver = (*LockfileResolver)(nil)
