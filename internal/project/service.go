// Package project implements the Project Service (spec §4.7): creates
// the on-disk project layout, writes the qsub template with cluster
// defaults substituted, and imports raw acquisition data.
package project

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cryoboost/server/internal/config"
)

// Error mirrors the stable taxonomy the Project Service can fail with.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Layout is the set of subdirectories every project gets (spec §4.7).
var Layout = []string{"Schemes", "Logs", "frames", "mdoc", "qsub"}

// DefaultQsubTemplate is the server-shipped qsub script copied into new
// projects (spec §4.7).
var DefaultQsubTemplate = "/opt/cryoboost/templates/qsub.sh"

// CreateLayout creates <root>/{Schemes,Logs,frames,mdoc,qsub} (spec
// §4.7).
func CreateLayout(root string) error {
	for _, dir := range Layout {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return fmt.Errorf("project: create %s: %w", dir, err)
		}
	}
	return nil
}

// placeholders maps qsub template tokens to the cluster-default fields
// substituted at project-creation time (spec §4.7). XXXqueueXXX and
// XXXjobnameXXX are supplemental tokens this server also understands,
// beyond the five XXXextraNXXX slots and XXXthreadsXXX the spec names.
func placeholders(defaults config.SlurmDefaults, jobName string) map[string]string {
	p := map[string]string{
		"XXXextra1XXX":   strconv.Itoa(defaults.Nodes),
		"XXXextra2XXX":   strconv.Itoa(defaults.NTasksPerNode),
		"XXXextra3XXX":   defaults.Partition,
		"XXXextra4XXX":   defaults.Gres,
		"XXXextra5XXX":   defaults.Mem,
		"XXXthreadsXXX":  strconv.Itoa(defaults.CPUsPerTask),
		"XXXjobnameXXX":  jobName,
	}
	if defaults.Queue != "" {
		p["XXXqueueXXX"] = defaults.Queue
	} else {
		p["XXXqueueXXX"] = defaults.Partition
	}
	return p
}

// WriteQsubTemplate copies DefaultQsubTemplate into <root>/qsub/qsub.sh,
// substituting the recognized placeholder dictionary (spec §4.7). Only
// the cluster-defaults placeholders are substituted here; the pipeliner
// substitutes XXXoutfileXXX/XXXerrfileXXX/XXXcommandXXX itself at job
// dispatch time (spec §6 Qsub template).
func WriteQsubTemplate(root, templatePath string, defaults config.SlurmDefaults, jobName string) error {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("project: read qsub template %s: %w", templatePath, err)
	}

	text := string(data)
	for token, value := range placeholders(defaults, jobName) {
		text = strings.ReplaceAll(text, token, value)
	}

	dest := filepath.Join(root, "qsub", "qsub.sh")
	if err := os.WriteFile(dest, []byte(text), 0755); err != nil {
		return fmt.Errorf("project: write %s: %w", dest, err)
	}
	return nil
}

// ImportPrefix derives a deterministic, project-unique prefix from the
// project name: the name as given (not lowercased or sanitized), an
// underscore, the first 6 hex digits of its SHA-1, and a trailing
// underscore. It namespaces every imported mdoc/frame so that two
// projects can share a frames pool without collision (spec §4.7: "the
// basename prefixed by the project-unique import prefix").
func ImportPrefix(projectName string) string {
	sum := sha1.Sum([]byte(projectName))
	return projectName + "_" + hex.EncodeToString(sum[:])[:6] + "_"
}

// rootMdocPathKey is the marker line appended to every written mdoc so
// re-imports can detect a collision against a different source (spec
// §4.7).
const rootMdocPathKey = "CryoBoost_RootMdocPath"

// ImportResult summarizes one data-import pass.
type ImportResult struct {
	Imported []string
	Skipped  []string
}

// ImportData resolves every mdoc file matching mdocsGlob, rewrites its
// SubFramePath to the prefixed basename, symlinks the source movie into
// <root>/frames/, and writes the rewritten metadata into <root>/mdoc/
// (spec §4.7). It fails with duplicate_import if a prefixed name already
// exists with a recorded root path that differs from the source being
// imported now.
func ImportData(root, mdocsGlob, framesDir string, prefix string) (*ImportResult, error) {
	matches, err := filepath.Glob(mdocsGlob)
	if err != nil {
		return nil, &Error{Kind: "bad_glob", Message: err.Error()}
	}

	result := &ImportResult{}
	for _, mdocPath := range matches {
		absSrc, err := filepath.Abs(mdocPath)
		if err != nil {
			return nil, fmt.Errorf("project: resolve %s: %w", mdocPath, err)
		}

		base := filepath.Base(mdocPath)
		prefixedName := prefix + base
		destMdoc := filepath.Join(root, "mdoc", prefixedName)

		if existingRoot, ok := readRootMdocPath(destMdoc); ok {
			if existingRoot != absSrc {
				return nil, &Error{
					Kind:    "duplicate_import",
					Message: fmt.Sprintf("%s already imported from %s, cannot reimport from %s", prefixedName, existingRoot, absSrc),
				}
			}
			result.Skipped = append(result.Skipped, prefixedName)
			continue
		}

		subFramePath, err := readSubFramePath(mdocPath)
		if err != nil {
			return nil, fmt.Errorf("project: read SubFramePath from %s: %w", mdocPath, err)
		}

		prefixedFrameName := prefix + filepath.Base(subFramePath)
		frameLink := filepath.Join(framesDir, prefixedFrameName)
		if _, err := os.Lstat(frameLink); os.IsNotExist(err) {
			absMovie := filepath.Join(filepath.Dir(subFramePath), filepath.Base(subFramePath))
			if !filepath.IsAbs(absMovie) {
				absMovie = filepath.Join(filepath.Dir(absSrc), filepath.Base(subFramePath))
			}
			if err := os.Symlink(absMovie, frameLink); err != nil {
				return nil, fmt.Errorf("project: symlink %s: %w", frameLink, err)
			}
		}

		if err := writeRewrittenMdoc(mdocPath, destMdoc, prefixedFrameName, absSrc); err != nil {
			return nil, err
		}
		result.Imported = append(result.Imported, prefixedName)
	}
	return result, nil
}

func readRootMdocPath(destMdoc string) (string, bool) {
	f, err := os.Open(destMdoc)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, rootMdocPathKey) {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), true
			}
		}
	}
	return "", false
}

func readSubFramePath(mdocPath string) (string, error) {
	f, err := os.Open(mdocPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "SubFramePath") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", fmt.Errorf("no SubFramePath field found")
}

func writeRewrittenMdoc(srcPath, destPath, prefixedFrameName, absSrc string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("project: open %s: %w", srcPath, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("project: create %s: %w", destPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "SubFramePath") {
			fmt.Fprintf(w, "SubFramePath = %s\n", prefixedFrameName)
			continue
		}
		fmt.Fprintln(w, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("project: scan %s: %w", srcPath, err)
	}
	fmt.Fprintf(w, "%s = %s\n", rootMdocPathKey, absSrc)
	return w.Flush()
}

