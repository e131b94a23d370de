package container

import (
	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// Service descriptors and modules added to every deployment
const (
	ContainerFactoryService = "io.prism.harness.ContainerFactory"
	ServiceActivatorService = "io.prism.harness.ServiceActivator"

	// AnnotationFactoryClass builds the container from an annotated factory method
	AnnotationFactoryClass = "io.prism.harness.AnnotationBasedContainerFactory"

	// DaemonActivatorClass starts the in-process test daemon
	DaemonActivatorClass = "io.prism.harness.daemon.DaemonServiceActivator"

	// AnnotatedClassProperty passes the test class to the annotation factory
	AnnotatedClassProperty = "prism.annotated.class"

	// RemoteRepositoryProperty hands an additional remote repository to the child
	RemoteRepositoryProperty = "remote.maven.repo"

	// DaemonArtifact is always added to explicitly requested artifacts
	DaemonArtifact = "io.prism.harness:harness-daemon"
)

var (
	factoryModules = []string{"io.prism.harness.container", "io.prism.harness.configuration"}
	daemonModules  = []string{"io.prism.harness.daemon", "io.prism.modules", "io.prism.msc"}
)

// Decoration is what a test's capability adds to its deployment
type Decoration struct {
	Inputs     []artifact.BuildInput
	Properties map[string]string
}

// Decorate derives the extra inputs and launch properties for a test.
// An annotated factory whose method is not static is a configuration error.
func Decorate(test TestDescriptor) (*Decoration, error) {
	d := &Decoration{Properties: map[string]string{}}

	switch test.Capability.Kind {
	case ContainerFactory:
		d.Inputs = append(d.Inputs, serviceProvider(ContainerFactoryService, test.ClassName))
		d.Inputs = append(d.Inputs, modules(factoryModules)...)

	case AnnotatedFactory:
		if !test.Capability.Static {
			return nil, deployerr.ErrNonStaticFactory(test.ClassName, test.ClassName+"."+test.Capability.Method)
		}
		d.Inputs = append(d.Inputs, serviceProvider(ContainerFactoryService, AnnotationFactoryClass))
		d.Inputs = append(d.Inputs, modules(factoryModules)...)
		d.Properties[AnnotatedClassProperty] = test.ClassName
	}

	d.Inputs = append(d.Inputs, artifact.BuildInput{
		Role:    artifact.RoleServiceActivator,
		Target:  "META-INF/services/" + ServiceActivatorService,
		Content: DaemonActivatorClass + "\n",
	})
	d.Inputs = append(d.Inputs, modules(daemonModules)...)

	return d, nil
}

func serviceProvider(service, impl string) artifact.BuildInput {
	return artifact.BuildInput{
		Role:    artifact.RoleClassResource,
		Target:  "META-INF/services/" + service,
		Content: impl + "\n",
	}
}

func modules(names []string) []artifact.BuildInput {
	inputs := make([]artifact.BuildInput, 0, len(names))
	for _, name := range names {
		inputs = append(inputs, artifact.BuildInput{
			Role:    artifact.RoleConfigurationModule,
			Target:  "modules/" + name + "/module.yaml",
			Content: "name: " + name + "\n",
		})
	}
	return inputs
}
