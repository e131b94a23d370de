// Package artifact packages build inputs into one self-executing bundle.
//
// A bundle is a zip archive holding the project inputs under their target
// paths plus a descriptor at META-INF/prism-bundle.yaml. Dependencies are not
// copied into the bundle: the descriptor references each one by coordinate
// and absolute local path.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jrepp/prism-harness/pkg/resolver"
)

// Role classifies a build input
type Role string

const (
	RoleClassResource       Role = "class-resource"
	RoleConfigurationModule Role = "configuration-module"
	RoleServiceActivator    Role = "service-activator"
	RoleDependencyArtifact  Role = "dependency-artifact"
)

// FractionDetectionNever is the only fraction detection mode the packager accepts
const FractionDetectionNever = "never"

// BuildInput is one named entry of a build.
//
// Project inputs (every role but dependency-artifact) provide either a Source
// file or inline Content. Dependency inputs carry a resolved dependency with a
// local file.
type BuildInput struct {
	Role   Role   `yaml:"role"`
	Target string `yaml:"target"`

	Source  string `yaml:"source,omitempty"`
	Content string `yaml:"content,omitempty"`

	Dependency *resolver.ResolvedDependency `yaml:"-"`
}

// DependencyInput wraps a resolved dependency as a build input. The target
// follows the repository layout, so artifacts sharing a name across groups
// stay distinct.
func DependencyInput(dep resolver.ResolvedDependency) BuildInput {
	return BuildInput{
		Role:       RoleDependencyArtifact,
		Target:     "lib/" + filepath.ToSlash(dep.RepositoryPath("")),
		Dependency: &dep,
	}
}

// BuildPlan aggregates the inputs and flags for one build
type BuildPlan struct {
	Name               string       `yaml:"name"`
	Inputs             []BuildInput `yaml:"inputs"`
	FractionDetection  string       `yaml:"fraction_detection"`
	BundleDependencies bool         `yaml:"bundle_dependencies"`
	MainClass          string       `yaml:"main_class,omitempty"`
	ModuleSearchPaths  []string     `yaml:"module_search_paths,omitempty"`
}

// NewPlan returns a plan with the packager's required flags set
func NewPlan(name string) *BuildPlan {
	return &BuildPlan{
		Name:              name,
		FractionDetection: FractionDetectionNever,
	}
}

// Add appends inputs to the plan
func (p *BuildPlan) Add(inputs ...BuildInput) *BuildPlan {
	p.Inputs = append(p.Inputs, inputs...)
	return p
}

// LoadPlan reads a YAML build plan. Relative sources are resolved against
// the plan file's directory.
func LoadPlan(path string) (*BuildPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	plan := NewPlan("")
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	plan.ResolveSources(filepath.Dir(path))
	return plan, nil
}

// ResolveSources rewrites relative input sources against baseDir
func (p *BuildPlan) ResolveSources(baseDir string) {
	for i := range p.Inputs {
		src := p.Inputs[i].Source
		if src != "" && !filepath.IsAbs(src) {
			p.Inputs[i].Source = filepath.Join(baseDir, src)
		}
	}
}
