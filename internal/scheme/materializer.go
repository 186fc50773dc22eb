package scheme

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cryoboost/server/internal/commands"
	"github.com/cryoboost/server/internal/config"
	"github.com/cryoboost/server/internal/container"
	"github.com/cryoboost/server/internal/state"
)

// TemplateDir is the server-shipped directory holding one default job
// subdirectory per JobKind, each with a job.star (spec §4.6 step 1).
var TemplateDir = "/opt/cryoboost/templates/jobs"

// BuildOptions carries everything Materialize needs to resolve commands
// for every selected job.
type BuildOptions struct {
	Project     *state.Project
	Tools       map[string]config.Tool
	ResolvedRP  commands.ResolvedPaths
	ContainerRP container.Options
	MaxTimeHr   float64
	WaitSec     float64
	DoAtMost    int
}

// Materialize writes Schemes/<schemeName>/ under project root (spec
// §4.6). It is idempotent: calling it twice with the same inputs
// produces byte-identical scheme.star and job.star files, since every
// value written is a deterministic function of the Project.
func Materialize(schemeName string, opts BuildOptions) error {
	root := filepath.Join(opts.Project.Path, "Schemes", schemeName)
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("scheme: mkdir %s: %w", root, err)
	}

	selected := opts.Project.SelectedJobs
	if err := writeSchemeGeneral(root, schemeName, opts); err != nil {
		return err
	}

	for _, kind := range selected {
		if err := materializeJob(root, schemeName, kind, opts); err != nil {
			return fmt.Errorf("scheme: job %q: %w", kind, err)
		}
	}
	return nil
}

// writeSchemeGeneral synthesizes scheme.star's five fixed blocks
// deterministically from the selection (spec §4.6).
func writeSchemeGeneral(root, schemeName string, opts BuildOptions) error {
	selected := opts.Project.SelectedJobs

	general := block{
		Name: "scheme_general",
		KV: []kvPair{
			{Key: "rlnSchemeName", Value: fmt.Sprintf("Schemes/%s/", schemeName)},
			{Key: "rlnSchemeCurrentNodeName", Value: "WAIT"},
		},
	}

	floats := block{
		Name:    "scheme_floats",
		Columns: []string{"rlnSchemeFloatVariableName", "rlnSchemeFloatVariableValue", "rlnSchemeFloatVariableResetValue"},
		Rows: [][]string{
			{"do_at_most", formatInt(opts.DoAtMost), formatInt(opts.DoAtMost)},
			{"maxtime_hr", formatFloat(opts.MaxTimeHr), formatFloat(opts.MaxTimeHr)},
			{"wait_sec", formatFloat(opts.WaitSec), formatFloat(opts.WaitSec)},
		},
	}

	operators := block{
		Name:    "scheme_operators",
		Columns: []string{"rlnSchemeOperatorName", "rlnSchemeOperatorType", "rlnSchemeOperatorOutput", "rlnSchemeOperatorInput1", "rlnSchemeOperatorInput2"},
		Rows: [][]string{
			{"EXIT", "EXIT", "undefined", "undefined", "undefined"},
			{"EXIT_maxtime", "EXIT_MAXTIME", "undefined", "maxtime_hr", "undefined"},
			{"WAIT", "WAIT", "undefined", "wait_sec", "undefined"},
		},
	}

	jobsBlock := block{
		Name:    "scheme_jobs",
		Columns: []string{"rlnSchemeJobNameOriginal", "rlnSchemeJobName", "rlnSchemeJobMode", "rlnSchemeJobHasStarted"},
	}
	for _, kind := range selected {
		jobsBlock.Rows = append(jobsBlock.Rows, []string{string(kind), string(kind), "continue", "0"})
	}

	edges := block{
		Name:    "scheme_edges",
		Columns: []string{"rlnSchemeEdgeInputNodeName", "rlnSchemeEdgeOutputNodeName", "rlnSchemeEdgeIsFork", "rlnSchemeEdgeOutputNodeNameIfTrue", "rlnSchemeEdgeBooleanVariable"},
		Rows:    edgeRows(selected),
	}

	return writeStar(filepath.Join(root, "scheme.star"), []block{general, floats, operators, jobsBlock, edges})
}

// edgeRows computes the chain WAIT → EXIT_maxtime → job[0] → … →
// job[n-1] → EXIT with no forks (spec §4.6, testable property 5).
func edgeRows(selected []state.JobKind) [][]string {
	chain := append([]string{"WAIT", "EXIT_maxtime"}, jobKindStrings(selected)...)
	chain = append(chain, "EXIT")

	rows := make([][]string, 0, len(chain)-1)
	for i := 0; i < len(chain)-1; i++ {
		rows = append(rows, []string{chain[i], chain[i+1], "0", "undefined", "undefined"})
	}
	return rows
}

func jobKindStrings(kinds []state.JobKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// paramRowPattern matches the legacy paramN_label / paramN_value rows
// the pipeliner no longer needs now that fn_exe carries the full command
// (spec §4.6 step 5).
var paramRowPattern = regexp.MustCompile(`^param\d+_(label|value)$`)

// materializeJob performs the per-job steps of spec §4.6: copy the
// template subdirectory's top-level files (nested directories are not
// copied), load its job.star, obtain the final wrapped command, rewrite
// fn_exe/other_args, strip legacy param rows, rewrite scheme-name
// references, and write the subdirectory back out.
func materializeJob(schemeRoot, schemeName string, kind state.JobKind, opts BuildOptions) error {
	destDir := filepath.Join(schemeRoot, string(kind))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", destDir, err)
	}

	templateDir := filepath.Join(TemplateDir, string(kind))
	if entries, err := os.ReadDir(templateDir); err == nil {
		for _, e := range entries {
			if !e.Type().IsRegular() || e.Name() == "job.star" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(templateDir, e.Name()))
			if err != nil {
				return fmt.Errorf("copy template file %s: %w", e.Name(), err)
			}
			if err := os.WriteFile(filepath.Join(destDir, e.Name()), data, 0644); err != nil {
				return fmt.Errorf("copy template file %s: %w", e.Name(), err)
			}
		}
	}

	templatePath := filepath.Join(templateDir, "job.star")
	blocks, err := readStar(templatePath)
	if err != nil {
		blocks = defaultJobBlocks(kind)
	}

	rec := opts.Project.Jobs[kind]
	rawCmd, err := commands.Build(kind, &opts.Project.Globals, rec, opts.ResolvedRP)
	if err != nil {
		return fmt.Errorf("build command: %w", err)
	}

	tool := opts.Tools[kind.ToolTag()]
	containerOpts := opts.ContainerRP
	containerOpts.ProjectRoot = opts.Project.Path
	finalCmd, err := container.Wrap(rawCmd, tool, containerOpts)
	if err != nil {
		return fmt.Errorf("wrap command: %w", err)
	}

	blocks = rewriteJobValues(blocks, finalCmd, schemeName)

	return writeStar(filepath.Join(destDir, "job.star"), blocks)
}

// rewriteJobValues applies steps 4-6 of spec §4.6: set fn_exe to the
// final command, clear other_args, strip paramN_* rows, and rewrite any
// input-path reference from the template's scheme name to the new one.
func rewriteJobValues(blocks []block, finalCmd, schemeName string) []block {
	out := make([]block, len(blocks))
	for i, b := range blocks {
		if b.Name != "joboptions_values" {
			out[i] = b
			continue
		}
		nb := b
		nb.KV = nil
		for _, kv := range b.KV {
			if paramRowPattern.MatchString(kv.Key) {
				continue
			}
			switch kv.Key {
			case "fn_exe":
				kv.Value = finalCmd
			case "other_args":
				kv.Value = ""
			default:
				kv.Value = rewriteSchemeReference(kv.Value, schemeName)
			}
			nb.KV = append(nb.KV, kv)
		}
		out[i] = nb
	}
	return out
}

var schemeRefPattern = regexp.MustCompile(`Schemes/[^/\s]+/`)

func rewriteSchemeReference(value, schemeName string) string {
	return schemeRefPattern.ReplaceAllString(value, fmt.Sprintf("Schemes/%s/", schemeName))
}

// defaultJobBlocks synthesizes a minimal job.star when no server-shipped
// template exists for kind yet, so materialization never fails outright
// for a valid JobKind.
func defaultJobBlocks(kind state.JobKind) []block {
	isTomo := "1"
	return []block{
		{
			Name: "job",
			KV: []kvPair{
				{Key: "rlnJobTypeLabel", Value: strings.ToLower(string(kind))},
				{Key: "rlnJobIsContinue", Value: "0"},
				{Key: "rlnJobIsTomo", Value: isTomo},
			},
		},
		{
			Name: "joboptions_values",
			KV: []kvPair{
				{Key: "fn_exe", Value: ""},
				{Key: "other_args", Value: ""},
			},
		},
	}
}
