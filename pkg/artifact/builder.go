package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// DescriptorPath is the bundle entry holding the bundle descriptor
const DescriptorPath = "META-INF/prism-bundle.yaml"

// entryTime is stamped on every zip entry so identical plans produce identical bytes
var entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Descriptor is the manifest written into every bundle
type Descriptor struct {
	Name               string                 `yaml:"name"`
	MainClass          string                 `yaml:"main_class,omitempty"`
	FractionDetection  string                 `yaml:"fraction_detection"`
	BundleDependencies bool                   `yaml:"bundle_dependencies"`
	Resources          []string               `yaml:"resources"`
	Modules            []string               `yaml:"modules,omitempty"`
	ServiceActivators  []string               `yaml:"service_activators,omitempty"`
	Dependencies       []DescriptorDependency `yaml:"dependencies,omitempty"`
	ModuleSearchPaths  []string               `yaml:"module_search_paths,omitempty"`
}

// DescriptorDependency references a dependency kept outside the bundle
type DescriptorDependency struct {
	Coordinate string `yaml:"coordinate"`
	Scope      string `yaml:"scope"`
	File       string `yaml:"file"`
}

// Builder turns build plans into executable artifacts
type Builder struct {
	scratchDir string
	logger     *slog.Logger
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithScratchDir sets where packaged bundles are written before export
func WithScratchDir(dir string) BuilderOption {
	return func(b *Builder) {
		b.scratchDir = dir
	}
}

// WithLogger sets the builder logger
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a builder writing to the system temp directory by default
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		scratchDir: os.TempDir(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type bundleEntry struct {
	name string
	open func() (io.ReadCloser, error)
}

// Build validates the plan and packages it. Any failure is a packaging error;
// the same plan fails the same way every time.
func (b *Builder) Build(plan *BuildPlan) (*ExecutableArtifact, error) {
	if plan == nil {
		return nil, deployerr.ErrPackaging("", errors.New("nil build plan"))
	}

	desc, entries, err := b.prepare(plan)
	if err != nil {
		return nil, deployerr.ErrPackaging(plan.Name, err)
	}

	f, err := os.CreateTemp(b.scratchDir, "prism-build-*.bundle")
	if err != nil {
		return nil, deployerr.ErrPackaging(plan.Name, fmt.Errorf("create scratch file: %w", err))
	}

	if err := writeBundle(f, desc, entries); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, deployerr.ErrPackaging(plan.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, deployerr.ErrPackaging(plan.Name, fmt.Errorf("close scratch file: %w", err))
	}

	b.logger.Info("packaged bundle",
		"name", plan.Name,
		"entries", len(entries)+1,
		"dependencies", len(desc.Dependencies),
		"scratch", f.Name())

	return &ExecutableArtifact{
		Name:       plan.Name,
		path:       f.Name(),
		Descriptor: *desc,
		logger:     b.logger,
	}, nil
}

func (b *Builder) prepare(plan *BuildPlan) (*Descriptor, []bundleEntry, error) {
	if plan.Name == "" {
		return nil, nil, errors.New("plan has no name")
	}
	if plan.FractionDetection != FractionDetectionNever {
		return nil, nil, fmt.Errorf("fraction detection %q rejected: only %q is supported", plan.FractionDetection, FractionDetectionNever)
	}
	if plan.BundleDependencies {
		return nil, nil, errors.New("bundling dependencies rejected: dependencies are referenced from the local repository")
	}

	desc := &Descriptor{
		Name:               plan.Name,
		MainClass:          plan.MainClass,
		FractionDetection:  plan.FractionDetection,
		BundleDependencies: plan.BundleDependencies,
		ModuleSearchPaths:  plan.ModuleSearchPaths,
		Resources:          []string{},
	}

	targets := make(map[string]bool, len(plan.Inputs))
	var entries []bundleEntry
	for _, in := range plan.Inputs {
		target := strings.TrimPrefix(path.Clean(in.Target), "/")
		if in.Target == "" || target == "." {
			return nil, nil, fmt.Errorf("%s input has no target", in.Role)
		}
		if target == DescriptorPath {
			return nil, nil, fmt.Errorf("target %s is reserved", target)
		}
		if targets[target] {
			return nil, nil, fmt.Errorf("duplicate target %s", target)
		}
		targets[target] = true

		if in.Role == RoleDependencyArtifact {
			if in.Dependency == nil || in.Dependency.File == "" {
				return nil, nil, fmt.Errorf("dependency input %s has no resolved file", target)
			}
			desc.Dependencies = append(desc.Dependencies, DescriptorDependency{
				Coordinate: in.Dependency.Coordinate.String(),
				Scope:      string(in.Dependency.Scope),
				File:       in.Dependency.File,
			})
			continue
		}

		entry, err := projectEntry(target, in)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
		desc.Resources = append(desc.Resources, target)

		switch in.Role {
		case RoleClassResource:
		case RoleConfigurationModule:
			desc.Modules = append(desc.Modules, target)
		case RoleServiceActivator:
			desc.ServiceActivators = append(desc.ServiceActivators, target)
		default:
			return nil, nil, fmt.Errorf("input %s has unknown role %q", target, in.Role)
		}
	}

	if len(entries) == 0 {
		return nil, nil, errors.New("plan has no project inputs")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	sort.Strings(desc.Resources)
	sort.Strings(desc.Modules)
	sort.Strings(desc.ServiceActivators)
	return desc, entries, nil
}

func projectEntry(target string, in BuildInput) (bundleEntry, error) {
	switch {
	case in.Source != "":
		info, err := os.Stat(in.Source)
		if err != nil {
			return bundleEntry{}, fmt.Errorf("input %s: %w", target, err)
		}
		if info.IsDir() {
			return bundleEntry{}, fmt.Errorf("input %s: source %s is a directory", target, in.Source)
		}
		src := in.Source
		return bundleEntry{name: target, open: func() (io.ReadCloser, error) { return os.Open(src) }}, nil
	case in.Content != "":
		content := in.Content
		return bundleEntry{name: target, open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		}}, nil
	default:
		return bundleEntry{}, fmt.Errorf("input %s has neither source nor content", target)
	}
}

func writeBundle(w io.Writer, desc *Descriptor, entries []bundleEntry) error {
	zw := zip.NewWriter(w)

	descBytes, err := yaml.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := writeEntry(zw, DescriptorPath, strings.NewReader(string(descBytes))); err != nil {
		return err
	}

	for _, e := range entries {
		rc, err := e.open()
		if err != nil {
			return fmt.Errorf("open %s: %w", e.name, err)
		}
		err = writeEntry(zw, e.name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, r io.Reader) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: entryTime,
	}
	hdr.SetMode(0644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}
