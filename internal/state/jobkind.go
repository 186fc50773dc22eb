package state

// JobKind is an enumerated identifier drawn from a closed, ordered list
// (spec §3 Entities). Its order here is the topological order new
// selections must respect.
type JobKind string

const (
	JobImportMovies      JobKind = "import_movies"
	JobFSMotionAndCTF    JobKind = "fs_motion_and_ctf"
	JobTSAlignment       JobKind = "ts_alignment"
	JobTSCTF             JobKind = "ts_ctf"
	JobTSReconstruct     JobKind = "ts_reconstruct"
	JobTemplateMatching  JobKind = "template_matching"
	JobExtractCandidates JobKind = "extract_candidates"
	JobSubtomoExtraction JobKind = "subtomo_extraction"
)

// OrderedJobKinds is the closed, ordered enumeration every project's
// selected-jobs list must be a subsequence of (spec §3 invariant: the
// selection is "strictly linear and topologically consistent with the
// JobKind enumeration order").
var OrderedJobKinds = []JobKind{
	JobImportMovies,
	JobFSMotionAndCTF,
	JobTSAlignment,
	JobTSCTF,
	JobTSReconstruct,
	JobTemplateMatching,
	JobExtractCandidates,
	JobSubtomoExtraction,
}

// kindProperties is the compile-time metadata pair {tool_tag, is_driver}
// spec §9 replaces string-branching dispatch with: a registry maps
// driver kinds to bootstrap invocations and non-driver kinds to
// command-builder functions, via table lookup only.
type kindProperties struct {
	ToolTag  string
	IsDriver bool
}

var kindRegistry = map[JobKind]kindProperties{
	JobImportMovies:      {ToolTag: "import_tomo", IsDriver: false},
	JobFSMotionAndCTF:     {ToolTag: "motioncor_ctffind", IsDriver: true},
	JobTSAlignment:        {ToolTag: "aretomo", IsDriver: true},
	JobTSCTF:              {ToolTag: "ctf_tomo", IsDriver: true},
	JobTSReconstruct:      {ToolTag: "imod_reconstruct", IsDriver: true},
	JobTemplateMatching:   {ToolTag: "pytom_match", IsDriver: true},
	JobExtractCandidates:  {ToolTag: "pytom_extract", IsDriver: true},
	JobSubtomoExtraction:  {ToolTag: "warp_subtomo", IsDriver: true},
}

// ToolTag returns the tool tag bridging this JobKind to container image
// selection (spec Glossary: "Tool tag").
func (k JobKind) ToolTag() string {
	return kindRegistry[k].ToolTag
}

// IsDriver reports whether this JobKind's command is delegated to a
// driver bootstrap script rather than assembled directly by the Command
// Builder (spec §4.4).
func (k JobKind) IsDriver() bool {
	return kindRegistry[k].IsDriver
}

// Valid reports whether k is one of the closed enumeration's members.
func (k JobKind) Valid() bool {
	_, ok := kindRegistry[k]
	return ok
}

// IndexOf returns k's position in OrderedJobKinds, or -1 if not a member.
func IndexOf(k JobKind) int {
	for i, ok := range OrderedJobKinds {
		if ok == k {
			return i
		}
	}
	return -1
}
