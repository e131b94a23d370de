package launcher

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Runtime turns an invocation into a command line
type Runtime interface {
	// Name identifies the runtime in logs
	Name() string

	// Command returns the program, its arguments and extra environment entries
	Command(inv *Invocation) (path string, args []string, env []string, err error)
}

// JVMRuntime runs the bundle with a Java launcher:
//
//	java -Dname=value... [-agentlib:jdwp=...] -jar bundle args...
//	java -Dname=value... [-agentlib:jdwp=...] -cp bundle MainClass args...
type JVMRuntime struct {
	// Java is the java executable, "java" by default
	Java string

	// Options are extra JVM options placed before the properties
	Options []string
}

// Name implements Runtime
func (r JVMRuntime) Name() string { return "jvm" }

// Command implements Runtime
func (r JVMRuntime) Command(inv *Invocation) (string, []string, []string, error) {
	java := r.Java
	if java == "" {
		java = "java"
	}

	args := append([]string{}, r.Options...)
	for _, p := range inv.Properties {
		args = append(args, "-D"+p.String())
	}
	if inv.DebugPort > 0 {
		args = append(args, fmt.Sprintf("-agentlib:jdwp=transport=dt_socket,server=y,suspend=y,address=%d", inv.DebugPort))
	}
	if inv.MainClass != "" {
		args = append(args, "-cp", inv.Artifact, inv.MainClass)
	} else {
		args = append(args, "-jar", inv.Artifact)
	}
	args = append(args, inv.Args...)

	return java, args, nil, nil
}

// DebugPortEnv carries the debug port to children of an ExecRuntime
const DebugPortEnv = "PRISM_DEBUG_PORT"

// MainClassEnv carries the entry point override to children of an ExecRuntime
const MainClassEnv = "PRISM_MAIN_CLASS"

// ExecRuntime runs the bundle directly, or through an interpreter when
// Interpreter is set. Properties become PRISM_PROP_* environment variables.
//
//	interpreter interpreter-args... bundle args...
type ExecRuntime struct {
	Interpreter     string
	InterpreterArgs []string
}

// ParseInterpreter splits a command line such as "/bin/sh -e" into an ExecRuntime
func ParseInterpreter(cmdline string) ExecRuntime {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ExecRuntime{}
	}
	return ExecRuntime{Interpreter: fields[0], InterpreterArgs: fields[1:]}
}

// Name implements Runtime
func (r ExecRuntime) Name() string { return "exec" }

// Command implements Runtime
func (r ExecRuntime) Command(inv *Invocation) (string, []string, []string, error) {
	var path string
	var args []string
	if r.Interpreter != "" {
		path = r.Interpreter
		args = append(args, r.InterpreterArgs...)
		args = append(args, inv.Artifact)
	} else {
		path = inv.Artifact
	}
	args = append(args, inv.Args...)

	env := make([]string, 0, len(inv.Properties)+2)
	for _, p := range inv.Properties {
		env = append(env, PropertyEnvName(p.Name)+"="+p.Value)
	}
	if inv.DebugPort > 0 {
		env = append(env, DebugPortEnv+"="+strconv.Itoa(inv.DebugPort))
	}
	if inv.MainClass != "" {
		env = append(env, MainClassEnv+"="+inv.MainClass)
	}
	return path, args, env, nil
}

// PropertyEnvName maps a property name to its environment variable, e.g.
// java.net.preferIPv4Stack -> PRISM_PROP_JAVA_NET_PREFERIPV4STACK
func PropertyEnvName(name string) string {
	var b strings.Builder
	b.WriteString("PRISM_PROP_")
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
