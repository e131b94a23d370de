package launcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

func TestParseDebugPort(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"5005", 5005, false},
		{" 8787 ", 8787, false},
		{"1", 1, false},
		{"65535", 65535, false},
		{"abc", 0, true},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"50.5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			port, err := ParseDebugPort(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, port)
		})
	}
}

func TestResolveMainClassPrecedence(t *testing.T) {
	base := LaunchSpec{Artifact: "app.jar", Args: []string{"--flag"}}

	t.Run("explicit specifier wins", func(t *testing.T) {
		spec := base
		spec.WithMain = "org.example.Annotated"
		spec.MainSpecifier = &MainSpecifier{ClassName: "org.example.Explicit", Args: []string{"one", "two"}}

		inv, err := spec.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "org.example.Explicit", inv.MainClass)
		assert.Equal(t, []string{"one", "two", "--flag"}, inv.Args)
	})

	t.Run("annotation contributes no arguments", func(t *testing.T) {
		spec := base
		spec.WithMain = "org.example.Annotated"

		inv, err := spec.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "org.example.Annotated", inv.MainClass)
		assert.Equal(t, []string{"--flag"}, inv.Args)
	})

	t.Run("no override", func(t *testing.T) {
		inv, err := base.Resolve()
		require.NoError(t, err)
		assert.Empty(t, inv.MainClass)
	})
}

func TestResolveMergesProperties(t *testing.T) {
	spec := LaunchSpec{
		Artifact:   "app.jar",
		PreferIPv4: true,
		Properties: map[string]string{"remote.maven.repo": "https://repo.example.org", "a.first": "1"},
	}

	inv, err := spec.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []Property{
		{Name: "a.first", Value: "1"},
		{Name: PreferIPv4Property, Value: "true"},
		{Name: "remote.maven.repo", Value: "https://repo.example.org"},
	}, inv.Properties)

	spec.Properties[PreferIPv4Property] = "false"
	inv, err = spec.Resolve()
	require.NoError(t, err)
	assert.Contains(t, inv.Properties, Property{Name: PreferIPv4Property, Value: "false"}, "caller properties override defaults")
}

func TestResolveRequiresArtifact(t *testing.T) {
	_, err := LaunchSpec{}.Resolve()
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
}

func TestCloneIsDeep(t *testing.T) {
	spec := LaunchSpec{
		Artifact:      "app.jar",
		Args:          []string{"a"},
		Properties:    map[string]string{"k": "v"},
		MainSpecifier: &MainSpecifier{ClassName: "Main", Args: []string{"x"}},
	}
	c := spec.clone()

	spec.Args[0] = "changed"
	spec.Properties["k"] = "changed"
	spec.MainSpecifier.Args[0] = "changed"

	assert.Equal(t, []string{"a"}, c.Args)
	assert.Equal(t, "v", c.Properties["k"])
	assert.Equal(t, []string{"x"}, c.MainSpecifier.Args)
}

func TestJVMRuntimeCommand(t *testing.T) {
	inv := &Invocation{
		Artifact:   "/tmp/app.bundle",
		Properties: []Property{{Name: PreferIPv4Property, Value: "true"}},
		DebugPort:  5005,
		Args:       []string{"--verbose"},
	}

	path, args, env, err := JVMRuntime{}.Command(inv)
	require.NoError(t, err)
	assert.Equal(t, "java", path)
	assert.Nil(t, env)
	assert.Equal(t, []string{
		"-Djava.net.preferIPv4Stack=true",
		"-agentlib:jdwp=transport=dt_socket,server=y,suspend=y,address=5005",
		"-jar", "/tmp/app.bundle",
		"--verbose",
	}, args)

	inv.DebugPort = 0
	inv.MainClass = "org.example.Main"
	path, args, _, err = JVMRuntime{Java: "/opt/jdk/bin/java", Options: []string{"-Xmx256m"}}.Command(inv)
	require.NoError(t, err)
	assert.Equal(t, "/opt/jdk/bin/java", path)
	assert.Equal(t, []string{
		"-Xmx256m",
		"-Djava.net.preferIPv4Stack=true",
		"-cp", "/tmp/app.bundle", "org.example.Main",
		"--verbose",
	}, args)
}

func TestExecRuntimeCommand(t *testing.T) {
	inv := &Invocation{
		Artifact:   "/tmp/run.sh",
		Properties: []Property{{Name: "remote.maven.repo", Value: "file:///repo"}},
		DebugPort:  8000,
		MainClass:  "Main",
		Args:       []string{"x"},
	}

	path, args, env, err := ParseInterpreter("/bin/sh -e").Command(inv)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", path)
	assert.Equal(t, []string{"-e", "/tmp/run.sh", "x"}, args)
	assert.Equal(t, []string{
		"PRISM_PROP_REMOTE_MAVEN_REPO=file:///repo",
		"PRISM_DEBUG_PORT=8000",
		"PRISM_MAIN_CLASS=Main",
	}, env)

	path, args, _, err = ExecRuntime{}.Command(inv)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/run.sh", path)
	assert.Equal(t, []string{"x"}, args)
}

func TestPropertyEnvName(t *testing.T) {
	assert.Equal(t, "PRISM_PROP_JAVA_NET_PREFERIPV4STACK", PropertyEnvName("java.net.preferIPv4Stack"))
	assert.Equal(t, "PRISM_PROP_A_B_C", PropertyEnvName("a-b/c"))
}

func TestStreamChannelMarkers(t *testing.T) {
	var got []Signal
	w, err := StreamChannel{}.Open("", func(s Signal) { got = append(got, s) })
	require.NoError(t, err)

	w.Observe("booting")
	w.Observe("[main] PRISM-DEPLOYED in 120ms")
	w.Observe("PRISM-DEPLOY-FAILED: port 8080 in use")
	w.Observe("PRISM-DEPLOY-FAILED:")
	require.NoError(t, w.Close())

	assert.Equal(t, []Signal{
		{Kind: SignalReady},
		{Kind: SignalFailed, Cause: "port 8080 in use"},
		{Kind: SignalFailed, Cause: "deployment failed"},
	}, got)
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Outcome{Kind: OutcomeReady}.Err())
	assert.True(t, deployerr.IsCode(Outcome{Kind: OutcomeTimedOut}.Err(), deployerr.CodeTimedOut))
	assert.True(t, deployerr.IsCode(Outcome{Kind: OutcomeProcessExited, ExitCode: 1}.Err(), deployerr.CodeProcessExited))
	assert.True(t, deployerr.IsCode(Outcome{Kind: OutcomeSignalledError}.Err(), deployerr.CodeSignalledError))
	assert.True(t, deployerr.IsCode(Outcome{Kind: OutcomeCancelled, Cause: context.Canceled}.Err(), deployerr.CodeCancelled))
	assert.ErrorIs(t, Outcome{Kind: OutcomeCancelled, Cause: context.Canceled}.Err(), context.Canceled)
	assert.Equal(t, "Cancelled", OutcomeCancelled.String())
	assert.Equal(t, "SignalledError", OutcomeSignalledError.String())
}
