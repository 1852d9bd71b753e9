package disser

import "fmt"

// Kind is the classification of a declared source.
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDirectory
	KindGlob
	KindScript
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindGlob:
		return "glob"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

// SourceItem is a single declared source: a path, a glob pattern or a
// script, plus where it should land on the targets.
type SourceItem struct {
	Input       string // Path or glob as declared.
	Destination string // Remote path; empty means "same as Absolute".
	Kind        Kind
	Absolute    string // Populated by resolution.
	Valid       bool
	GlobEmpty   bool // Glob that matched nothing; valid but produces no units.

	script bool
}

// NewFileSource declares a file, directory or glob source.
func NewFileSource(input, destination string) SourceItem {
	return SourceItem{Input: input, Destination: destination}
}

// NewScriptSource declares an executable script source.
func NewScriptSource(input, destination string) SourceItem {
	return SourceItem{Input: input, Destination: destination, script: true}
}

// IsScript reports whether the item was declared as a script.
func (s SourceItem) IsScript() bool {
	return s.script
}

func (s SourceItem) String() string {
	if s.Destination == "" {
		return s.Input
	}
	return fmt.Sprintf("%s -> %s", s.Input, s.Destination)
}

// TransferUnit is one concrete item to copy to every target.
type TransferUnit struct {
	LocalPath  string // Always absolute.
	RemotePath string
	IsDir      bool
	Script     bool   // Eligible for remote execution.
	Source     string // Declared input this unit came from.
}
