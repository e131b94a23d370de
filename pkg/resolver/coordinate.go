// Package resolver turns dependency requests into a flat, ordered list of
// dependencies backed by local files.
package resolver

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Scope is a Maven dependency scope
type Scope string

const (
	ScopeCompile  Scope = "compile"
	ScopeRuntime  Scope = "runtime"
	ScopeTest     Scope = "test"
	ScopeProvided Scope = "provided"
	ScopeSystem   Scope = "system"
	ScopeImport   Scope = "import"
)

// Coordinate identifies an artifact: groupId:artifactId[:extension[:classifier]]:version
type Coordinate struct {
	GroupID    string `yaml:"group_id"`
	ArtifactID string `yaml:"artifact_id"`
	Version    string `yaml:"version"`
	Extension  string `yaml:"extension"`
	Classifier string `yaml:"classifier"`
}

// ParseCoordinate parses the Maven short forms g:a, g:a:v, g:a:ext:v and g:a:ext:classifier:v.
// A missing extension defaults to "jar".
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	for _, p := range parts {
		if p == "" {
			return Coordinate{}, fmt.Errorf("invalid coordinate %q: empty segment", s)
		}
	}

	c := Coordinate{Extension: "jar"}
	switch len(parts) {
	case 2:
		c.GroupID, c.ArtifactID = parts[0], parts[1]
	case 3:
		c.GroupID, c.ArtifactID, c.Version = parts[0], parts[1], parts[2]
	case 4:
		c.GroupID, c.ArtifactID, c.Extension, c.Version = parts[0], parts[1], parts[2], parts[3]
	case 5:
		c.GroupID, c.ArtifactID, c.Extension, c.Classifier, c.Version = parts[0], parts[1], parts[2], parts[3], parts[4]
	default:
		return Coordinate{}, fmt.Errorf("invalid coordinate %q: expected 2 to 5 segments, got %d", s, len(parts))
	}
	return c, nil
}

// GA returns groupId:artifactId
func (c Coordinate) GA() string {
	return fmt.Sprintf("%s:%s", c.GroupID, c.ArtifactID)
}

// GAV returns groupId:artifactId:version
func (c Coordinate) GAV() string {
	return fmt.Sprintf("%s:%s:%s", c.GroupID, c.ArtifactID, c.Version)
}

// String renders the coordinate in its canonical long form
func (c Coordinate) String() string {
	if c.Classifier != "" {
		return fmt.Sprintf("%s:%s:%s:%s:%s", c.GroupID, c.ArtifactID, c.Extension, c.Classifier, c.Version)
	}
	return fmt.Sprintf("%s:%s:%s:%s", c.GroupID, c.ArtifactID, c.Extension, c.Version)
}

// Matches reports whether c satisfies the (possibly versionless) request r
func (c Coordinate) Matches(r Coordinate) bool {
	if c.GroupID != r.GroupID || c.ArtifactID != r.ArtifactID {
		return false
	}
	if r.Version != "" && c.Version != r.Version {
		return false
	}
	if r.Classifier != "" && c.Classifier != r.Classifier {
		return false
	}
	return true
}

// RepositoryPath returns the file location of c inside a Maven repository layout.
func (c Coordinate) RepositoryPath(root string) string {
	name := c.ArtifactID + "-" + c.Version
	if c.Classifier != "" {
		name += "-" + c.Classifier
	}
	ext := c.Extension
	if ext == "" {
		ext = "jar"
	}
	name += "." + ext

	groupPath := filepath.Join(strings.Split(c.GroupID, ".")...)
	return filepath.Join(root, groupPath, c.ArtifactID, c.Version, name)
}

// ResolvedDependency is a coordinate paired with a concrete local file.
// Values are produced by a Resolver and never mutated afterwards.
type ResolvedDependency struct {
	Scope Scope
	Coordinate
	File string
}
