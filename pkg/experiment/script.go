package experiment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Arg is a single command argument. A binding argument references a resource
// by name and renders as an unquoted shell variable; anything else is a
// literal, quoted verbatim.
type Arg struct {
	Value   string
	Binding bool
}

// Invocation is one command of a run script in structured form. The renderer
// turns the ordered invocation list into the executable script; keeping the
// assembly separate from the textual format makes the generation logic
// testable on its own.
type Invocation struct {
	Name           string
	Args           []Arg
	AbortOnFailure bool
	TimeLimit      time.Duration
	MemoryLimitKiB int
	CheckInterval  time.Duration
}

// renderRunScript serializes resource bindings and invocations to a bash
// script. Bindings are declared as shell variables (paths relative to the
// run directory, sorted by name). Each invocation records its exit code in
// the run's properties file; invocations marked abort-on-failure terminate
// the script on nonzero exit, all others let later commands proceed.
func renderRunScript(bindings map[string]string, invocations []Invocation) string {
	var sb strings.Builder
	sb.WriteString("#! /bin/bash\n\n")
	sb.WriteString("cd \"$(dirname \"$0\")\"\n")

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		sb.WriteString("\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "%s=%s\n", name, shellQuote(bindings[name]))
		}
	}

	for _, inv := range invocations {
		sb.WriteString("\n")
		sb.WriteString(renderInvocation(inv))
	}
	return sb.String()
}

func renderInvocation(inv Invocation) string {
	parts := make([]string, 0, len(inv.Args)+2)
	if inv.CheckInterval > 0 {
		parts = append(parts, "LAB_CHECK_INTERVAL="+formatSeconds(inv.CheckInterval))
	}
	if inv.TimeLimit > 0 {
		parts = append(parts, "timeout", strconv.Itoa(int(inv.TimeLimit.Seconds())))
	}
	for _, arg := range inv.Args {
		if arg.Binding {
			parts = append(parts, "$"+arg.Value)
		} else {
			parts = append(parts, shellQuote(arg.Value))
		}
	}

	command := strings.Join(parts, " ")
	if inv.MemoryLimitKiB > 0 {
		command = fmt.Sprintf("( ulimit -v %d; %s )", inv.MemoryLimitKiB, command)
	}

	var sb strings.Builder
	sb.WriteString(command + "\n")
	sb.WriteString("retcode=$?\n")
	fmt.Fprintf(&sb, "echo \"%s_returncode = $retcode\" >> properties\n", inv.Name)
	if inv.AbortOnFailure {
		sb.WriteString("if [ \"$retcode\" -ne 0 ]; then\n")
		fmt.Fprintf(&sb, "    echo \"%s exited with $retcode\" >&2\n", inv.Name)
		sb.WriteString("    exit 1\nfi\n")
	}
	return sb.String()
}

// shellQuote single-quotes s for safe use in a bash script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'g', -1, 64)
}
