// Package container implements the Container Wrapper (spec §4.5):
// rewrites a raw shell command into a container-executor invocation when
// the target tool is configured as containerized, resolving bind mounts
// and scrubbing environment variables a parent container launch would
// otherwise leak into the child.
package container

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/cryoboost/server/internal/config"
)

// Runtime is the container executor binary. Singularity/Apptainer's exec
// subcommand shape is what the orchestrator targets (spec §4.5: "<runtime>
// exec [--nv] [-B <src>:<dst>[:ro]]… <image> <shell> -c <quoted command>").
const Runtime = "apptainer"

// Bind is one `<host>:<container>[:ro]` mapping.
type Bind struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (b Bind) String() string {
	if b.Container == "" {
		b.Container = b.Host
	}
	if b.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", b.Host, b.Container)
	}
	return fmt.Sprintf("%s:%s", b.Host, b.Container)
}

// Options carries the per-invocation context the wrapper needs beyond
// the tool's config entry: the project root/base for unconditional
// binds, any caller-supplied extra binds, and whether to request GPU
// passthrough (--nv).
type Options struct {
	ProjectRoot string
	ProjectBase string
	ExtraBinds  []Bind
	NV          bool
	// SchedulerBinDir, SchedulerLibDir, AuthSocketDir are host-provided
	// cluster-integration paths, bound only when they exist on the host
	// (spec §4.5 bind policy).
	SchedulerBinDir string
	SchedulerLibDir string
	AuthSocketDir   string
}

// envScrub lists container-runtime environment variables a parent
// container execution would otherwise leak into a nested launch (spec
// §4.5: "so that nested container launches from within the orchestrator
// itself are clean").
var envScrub = []string{
	"SINGULARITY_CONTAINER", "SINGULARITY_NAME", "APPTAINER_CONTAINER",
	"APPTAINER_NAME", "SINGULARITY_BIND", "APPTAINER_BIND",
	"LD_LIBRARY_PATH", "SINGULARITY_ENVIRONMENT", "APPTAINER_ENVIRONMENT",
}

// relionPathDirs are the image-internal locations the RELION image's
// PATH must include (spec §4.5 PATH policy), ahead of the host scheduler
// client binaries directory.
var relionPathDirs = []string{"/usr/local/relion/build/bin", "/opt/warp/bin", "/usr/bin", "/bin"}

// Wrap returns the final command line for tool. If tool is not
// containerized per cfg, rawCommand is returned unchanged (spec §4.5).
func Wrap(rawCommand string, tool config.Tool, opts Options) (string, error) {
	if !tool.Container {
		return rawCommand, nil
	}
	if tool.Path == "" {
		return "", fmt.Errorf("container: tool has no image path configured")
	}

	binds := unconditionalBinds(opts)
	binds = append(binds, conditionalBinds(opts)...)
	binds = append(binds, opts.ExtraBinds...)

	var b strings.Builder
	b.WriteString(Runtime)
	b.WriteString(" exec")
	if opts.NV {
		b.WriteString(" --nv")
	}
	for _, bind := range binds {
		b.WriteString(" -B ")
		b.WriteString(bind.String())
	}
	b.WriteString(" ")
	b.WriteString(tool.Path)
	b.WriteString(" /bin/sh -c ")
	b.WriteString(quoteShell(innerCommand(rawCommand, opts)))

	return b.String(), nil
}

// unconditionalBinds always includes /tmp, the user home directory, the
// resolved project root, and the project base (spec §4.5).
func unconditionalBinds(opts Options) []Bind {
	binds := []Bind{{Host: "/tmp"}}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		binds = append(binds, Bind{Host: home})
	} else if u, err := user.Current(); err == nil && u.HomeDir != "" {
		binds = append(binds, Bind{Host: u.HomeDir})
	}
	if opts.ProjectRoot != "" {
		binds = append(binds, Bind{Host: opts.ProjectRoot})
	}
	if opts.ProjectBase != "" && opts.ProjectBase != opts.ProjectRoot {
		binds = append(binds, Bind{Host: opts.ProjectBase})
	}
	return binds
}

// conditionalBinds includes host-provided cluster-integration paths only
// when they exist (spec §4.5).
func conditionalBinds(opts Options) []Bind {
	var binds []Bind
	addIfExists := func(path string) {
		if path == "" {
			return
		}
		if _, err := os.Stat(path); err == nil {
			binds = append(binds, Bind{Host: path})
		}
	}
	addIfExists(opts.SchedulerBinDir)
	addIfExists(opts.SchedulerLibDir)
	addIfExists(opts.AuthSocketDir)
	if _, err := os.Stat("/etc/passwd"); err == nil {
		binds = append(binds, Bind{Host: "/etc/passwd", ReadOnly: true})
	}
	if _, err := os.Stat("/etc/group"); err == nil {
		binds = append(binds, Bind{Host: "/etc/group", ReadOnly: true})
	}
	return binds
}

// innerCommand applies the RELION-image PATH policy: clear
// PYTHONPATH/PYTHONHOME and set PATH to the image's known locations plus
// the host scheduler client binaries directory (spec §4.5).
func innerCommand(rawCommand string, opts Options) string {
	pathDirs := append([]string{}, relionPathDirs...)
	if opts.SchedulerBinDir != "" {
		pathDirs = append(pathDirs, opts.SchedulerBinDir)
	}
	prefix := fmt.Sprintf("unset PYTHONPATH PYTHONHOME; export PATH=%s; ", strings.Join(pathDirs, ":"))
	return prefix + rawCommand
}

// ScrubEnv filters container-runtime-specific environment variables out
// of parentEnv (spec §4.5 environment scrubbing), so that a nested
// container launch from within the orchestrator itself does not leak
// its own runtime's variables to the child. The Pipeline Runner applies
// this to the subprocess's Env before spawning.
func ScrubEnv(parentEnv []string) []string {
	scrub := make(map[string]bool, len(envScrub))
	for _, v := range envScrub {
		scrub[v] = true
	}
	out := make([]string, 0, len(parentEnv))
	for _, kv := range parentEnv {
		name, _, found := strings.Cut(kv, "=")
		if found && scrub[name] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// quoteShell wraps s in single quotes, escaping any embedded single
// quote the POSIX-portable way.
func quoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
