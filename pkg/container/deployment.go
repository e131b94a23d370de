package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/launcher"
)

// CapabilityKind tags how a test participates in container setup
type CapabilityKind int

const (
	// PlainTest - the test needs no container factory
	PlainTest CapabilityKind = iota
	// ContainerFactory - the test class itself builds the container
	ContainerFactory
	// AnnotatedFactory - a method on the test class builds the container
	AnnotatedFactory
)

// String returns the string representation of a CapabilityKind
func (k CapabilityKind) String() string {
	switch k {
	case PlainTest:
		return "plain"
	case ContainerFactory:
		return "container-factory"
	case AnnotatedFactory:
		return "annotated-factory"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k CapabilityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *CapabilityKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "plain":
		*k = PlainTest
	case "container-factory":
		*k = ContainerFactory
	case "annotated-factory":
		*k = AnnotatedFactory
	default:
		return fmt.Errorf("unknown capability %q", text)
	}
	return nil
}

// Capability is resolved once per test class and attached as metadata
type Capability struct {
	Kind CapabilityKind `yaml:"kind"`

	// Method is the factory method of an AnnotatedFactory
	Method string `yaml:"method,omitempty"`

	// Static reports whether Method is static; only static methods are usable
	Static bool `yaml:"static,omitempty"`
}

// TestDescriptor describes the test being deployed
type TestDescriptor struct {
	ClassName  string     `yaml:"class"`
	Capability Capability `yaml:"capability"`

	// WithMain is the entry point declared on the test class
	WithMain string `yaml:"with_main,omitempty"`

	// Main is an explicit entry point; it wins over WithMain
	Main *launcher.MainSpecifier `yaml:"main,omitempty"`
}

// Deployment is one test archive to build, launch and wait for
type Deployment struct {
	// Name is the bundle name, also used for the diagnostic export
	Name string `yaml:"name"`

	Test TestDescriptor `yaml:"test"`

	// Inputs is the test archive content
	Inputs []artifact.BuildInput `yaml:"inputs"`

	// Manifest is the dependency lockfile; empty means no dependencies
	Manifest string `yaml:"manifest,omitempty"`

	// Artifacts lists explicitly requested dependencies. When empty, every
	// runtime and test dependency of Manifest is used.
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// LoadDeployment reads a deployment file. Relative paths are resolved
// against the file's directory.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment: %w", err)
	}

	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}

	base := filepath.Dir(path)
	if d.Manifest != "" && !filepath.IsAbs(d.Manifest) {
		d.Manifest = filepath.Join(base, d.Manifest)
	}
	// Inputs share their backing array with d
	(&artifact.BuildPlan{Inputs: d.Inputs}).ResolveSources(base)

	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".bundle"
	}
	return &d, nil
}
