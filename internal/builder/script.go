// Bob is a content-addressed package build orchestrator.
// Copyright (C) 2026 The Bob Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"bob/internal/graph"
)

// runTemplate is the wrapper script written next to each workspace as
// <phase>.sh. It parses -kqvE, sets up the sandbox root, scrubs the
// environment unless -E was given, and tees the step output into
// ../log.txt according to the verbosity level.
var runTemplate = template.Must(template.New("run").Parse(`#!/bin/bash

on_exit()
{
     if [[ -n "$_sandbox" ]] ; then
          if [[ $_keep_sandbox = 0 ]] ; then
                rm -rf "$_sandbox"
          else
                echo "Keeping sandbox in $_sandbox" >&2
          fi
     fi
}

run()
{
    {{.SandboxCmd}} "$@"
}

run_script()
{
    local ret=0 trace=""
    if [[ $_verbose -ge 3 ]] ; then trace="-x" ; fi

    echo "### START: $(date)"
    run /bin/bash $trace -- ../script {{.Args}}
    ret=$?
    echo "### END($ret): $(date)"

    return $ret
}

_keep_env=0
_verbose=1
_sandbox={{.SandboxSetup}}
_keep_sandbox=0
_args=$(getopt -o kqvE -- "$@")
if [ $? != 0 ] ; then echo "Args parsing failed..." >&2 ; exit 1 ; fi
eval set -- "$_args"

_args=( )
while true ; do
    case "$1" in
        -k) _keep_sandbox=1 ;;
        -q) : $(( _verbose-- )) ;;
        -v) : $(( _verbose++ )) ;;
        -E) _keep_env=1 ;;
        --) shift ; break ;;
        *) echo "Internal error!" ; exit 1 ;;
    esac
    _args+=("$1")
    shift
done

if [[ $# -gt 1 ]] ; then
    echo "Unexpected arguments!" >&2
    exit 1
fi

trap on_exit EXIT

case "${1:-run}" in
    run)
        if [[ $_keep_env = 1 ]] ; then
            exec "$0" "${_args[@]}" __run
        else
            exec /usr/bin/env -i {{.Whitelist}} "$0" "${_args[@]}" __run
        fi
        ;;
    __run)
        cd "${0%/*}/workspace"
        case "$_verbose" in
            0)
                run_script >> ../log.txt 2>&1
                ;;
            1)
                set -o pipefail
                {
                    {
                        run_script | tee -a ../log.txt
                    } 3>&1 1>&2- 2>&3- | tee -a ../log.txt
                } 1>&2- 2>/dev/null
                ;;
            *)
                set -o pipefail
                {
                    {
                        run_script | tee -a ../log.txt
                    } 3>&1 1>&2- 2>&3- | tee -a ../log.txt
                } 3>&1 1>&2- 2>&3-
                ;;
        esac
        ;;
    shell)
        if [[ $_keep_env = 1 ]] ; then
            exec /usr/bin/env {{.Env}} "$0" "${_args[@]}" __shell
        else
            exec /usr/bin/env -i {{.Whitelist}} "$0" "${_args[@]}" __shell
        fi
        ;;
    __shell)
        cd "${0%/*}/workspace"
        if [[ $_keep_env = 1 ]] ; then
            run /bin/bash -s {{.Args}}
        else
            run /bin/bash --norc -s {{.Args}}
        fi
        ;;
    *)
        echo "Unknown command" ; exit 1 ;;
esac
`))

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// shQuote returns s as a single shell word.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type runTemplateData struct {
	SandboxCmd   string
	SandboxSetup string
	Args         string
	Whitelist    string
	Env          string
}

// stepEnv assembles the environment a step exports: its declared
// variables plus PATH, LD_LIBRARY_PATH and BOB_CWD composed from the
// step's path entries and the exec base directory.
func (b *Builder) stepEnv(step *graph.Step) map[string]string {
	env := map[string]string{}
	for k, v := range step.Env() {
		env[k] = v
	}

	var paths []string
	for _, p := range step.Paths() {
		paths = append(paths, filepath.Join(b.execBaseDir, p))
	}
	paths = append(paths, b.globalPaths...)
	env["PATH"] = strings.Join(paths, ":")

	var libs []string
	for _, p := range step.LibraryPaths() {
		libs = append(libs, filepath.Join(b.execBaseDir, p))
	}
	env["LD_LIBRARY_PATH"] = strings.Join(libs, ":")
	env["BOB_CWD"] = filepath.Join(b.execBaseDir, step.ExecPath())
	return env
}

// runtimeEnv filters the process environment down to the white-list
// (unless the whole environment is preserved) and overlays the step
// environment.
func (b *Builder) runtimeEnv(stepEnv map[string]string) []string {
	env := map[string]string{}
	if b.preserveEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	} else {
		allowed := map[string]bool{}
		for _, k := range b.envWhiteList {
			allowed[k] = true
		}
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && allowed[k] {
				env[k] = v
			}
		}
	}
	for k, v := range stepEnv {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// sandboxCommand composes the namespace-sandbox invocation prefix:
// base image binds, recipe-declared mounts, the read-only workspace
// parent bind, and one bind per dependency step, terminated by "--".
func (b *Builder) sandboxCommand(step *graph.Step) ([]string, string, error) {
	if !b.sandboxed {
		return nil, `""`, nil
	}

	cmd := []string{
		shQuote(filepath.Join(b.bobRoot, "bin", "namespace-sandbox")),
		"-S", `"$_sandbox"`,
		"-W", shQuote(filepath.Join(b.execBaseDir, step.ExecPath())),
		"-H", "bob",
		"-d", "/tmp",
	}

	entries, err := os.ReadDir(filepath.Join(b.workspaceBaseDir, "work", "_sandbox"))
	if err != nil {
		return nil, "", fmt.Errorf("list sandbox image: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, e := range entries {
		cmd = append(cmd,
			"-M", filepath.Join(b.workspaceBaseDir, "work", "_sandbox", e.Name()),
			"-m", "/"+e.Name())
	}

	hosts := make([]string, 0, len(b.sandboxMounts))
	for host := range b.sandboxMounts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		cmd = append(cmd, "-M", host)
		if tgt := b.sandboxMounts[host]; tgt != host {
			cmd = append(cmd, "-m", tgt)
		}
	}

	cmd = append(cmd,
		"-M", shQuote(filepath.Clean(filepath.Join(b.workspaceBaseDir, step.WorkspacePath(), ".."))),
		"-w", shQuote(filepath.Clean(filepath.Join(b.execBaseDir, step.ExecPath(), ".."))))

	for _, dep := range step.AllDepSteps() {
		if !dep.IsValid() {
			continue
		}
		cmd = append(cmd,
			"-M", shQuote(filepath.Join(b.workspaceBaseDir, dep.WorkspacePath())),
			"-m", shQuote(filepath.Join(b.execBaseDir, dep.ExecPath())))
	}

	cmd = append(cmd, "--")
	return cmd, `"$(mktemp -d)"`, nil
}

// writeScripts materializes ../script and ../<phase>.sh next to the
// step's workspace and returns the wrapper path. Associative
// maps and env exports are emitted in sorted order so the scripts are
// byte-stable for unchanged input.
func (b *Builder) writeScripts(step *graph.Step, phase string, stepEnv map[string]string, sandboxCmd []string, sandboxSetup string) (string, error) {
	wsPath := step.WorkspacePath()

	var envPairs, whitelist, args []string
	for k, v := range stepEnv {
		envPairs = append(envPairs, k+"="+shQuote(v))
	}
	sort.Strings(envPairs)
	for _, k := range b.envWhiteList {
		whitelist = append(whitelist, "${"+k+"+"+k+`="$`+k+`"}`)
	}
	sort.Strings(whitelist)
	for _, a := range step.Arguments() {
		args = append(args, shQuote(filepath.Join(b.execBaseDir, a.ExecPath())))
	}

	runFile := filepath.Clean(filepath.Join(wsPath, "..", phase+".sh"))
	f, err := os.Create(runFile)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", runFile, err)
	}
	err = runTemplate.Execute(f, runTemplateData{
		SandboxCmd:   strings.Join(sandboxCmd, " "),
		SandboxSetup: sandboxSetup,
		Args:         strings.Join(args, " "),
		Whitelist:    strings.Join(whitelist, " "),
		Env:          strings.Join(envPairs, " "),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", runFile, err)
	}
	if err := os.Chmod(runFile, 0o766); err != nil {
		return "", fmt.Errorf("chmod %s: %w", runFile, err)
	}

	scriptFile := filepath.Clean(filepath.Join(wsPath, "..", "script"))
	var sb strings.Builder
	sb.WriteString("set -o errtrace\n")
	sb.WriteString("set -o nounset\n")
	sb.WriteString("trap 'RET=$? ; echo \"\x1b[31;1mStep failed on line ${LINENO}: Exit status ${RET}; Command:\x1b[0;31m ${BASH_COMMAND}\x1b[0m\" >&2 ; exit $RET' ERR\n")
	sb.WriteString("trap 'for i in \"${_BOB_TMP_CLEANUP[@]-}\" ; do rm -f \"$i\" ; done' EXIT\n")
	sb.WriteString("\n# Special args:\n")

	var depEntries []string
	for _, dep := range step.AllDepSteps() {
		if !dep.IsValid() {
			continue
		}
		depEntries = append(depEntries, fmt.Sprintf("[%s]=%s",
			shQuote(dep.Package().Name()),
			shQuote(filepath.Join(b.execBaseDir, dep.ExecPath()))))
	}
	sort.Strings(depEntries)
	fmt.Fprintf(&sb, "declare -A BOB_DEP_PATHS=( %s )\n", strings.Join(depEntries, " "))

	var toolEntries []string
	for tool, p := range step.Tools() {
		toolEntries = append(toolEntries, fmt.Sprintf("[%s]=%s",
			shQuote(tool), shQuote(filepath.Join(b.execBaseDir, p))))
	}
	sort.Strings(toolEntries)
	fmt.Fprintf(&sb, "declare -A BOB_TOOL_PATHS=( %s )\n", strings.Join(toolEntries, " "))

	sb.WriteString("# Environment:\n")
	envKeys := make([]string, 0, len(stepEnv))
	for k := range stepEnv {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(&sb, "export %s=%s\n", k, shQuote(stepEnv[k]))
	}

	sb.WriteString("\n# BEGIN BUILD SCRIPT\n")
	sb.WriteString(step.Script())
	sb.WriteString("\n# END BUILD SCRIPT\n")

	if err := os.WriteFile(scriptFile, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", scriptFile, err)
	}
	return runFile, nil
}
