package disser

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// globMagic lists the characters that turn an input into a glob pattern.
const globMagic = "*?[{"

const resolveWorkers = 8

// Resolver classifies declared sources against the local filesystem and
// expands them into transfer units. Relative inputs are resolved against
// the working directory captured when the resolver was created.
type Resolver struct {
	log     *zap.SugaredLogger
	workDir string
}

// NewResolver creates a resolver bound to the current working directory.
func NewResolver(log *zap.SugaredLogger) (*Resolver, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "resolving CWD failed")
	}
	return NewResolverAt(log, wd), nil
}

// NewResolverAt creates a resolver that expands relative inputs against dir.
func NewResolverAt(log *zap.SugaredLogger, dir string) *Resolver {
	return &Resolver{log: log, workDir: dir}
}

// HasGlobMagic reports whether input would be treated as a glob pattern.
func HasGlobMagic(input string) bool {
	return strings.ContainsAny(input, globMagic)
}

// Resolve classifies item and returns the resolved copy together with the
// units it expands to. Invalid items produce no units.
func (r *Resolver) Resolve(item SourceItem) (SourceItem, []TransferUnit) {
	item.Valid = false
	item.GlobEmpty = false

	switch {
	case item.script:
		return r.resolveScript(item)
	case HasGlobMagic(item.Input):
		return r.resolveGlob(item)
	}

	info, err := os.Stat(r.abs(item.Input))
	switch {
	case err == nil && info.Mode().IsRegular():
		return r.resolvePath(item, KindFile)
	case err == nil && info.IsDir():
		return r.resolvePath(item, KindDirectory)
	}

	r.log.Errorw("source is not a file or folder", "input", item.Input, "error", err)
	return item, nil
}

// ResolveAll resolves items concurrently. Results keep declaration order.
func (r *Resolver) ResolveAll(items []SourceItem) ([]SourceItem, []TransferUnit) {
	resolved := make([]SourceItem, len(items))
	units := make([][]TransferUnit, len(items))

	jobs := make(chan int, len(items))
	for i := range items {
		jobs <- i
	}
	close(jobs)

	workers := resolveWorkers
	if len(items) < workers {
		workers = len(items)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				resolved[i], units[i] = r.Resolve(items[i])
			}
		}()
	}
	wg.Wait()

	var all []TransferUnit
	for _, u := range units {
		all = append(all, u...)
	}
	return resolved, all
}

func (r *Resolver) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(r.workDir, p)
}

// absolutize fills item.Absolute and logs relative path expansion.
func (r *Resolver) absolutize(item *SourceItem) {
	item.Absolute = r.abs(item.Input)
	if !filepath.IsAbs(item.Input) {
		r.log.Infow("expanding relative path", "input", item.Input, "absolute", item.Absolute)
	}
}

// defaultDestination mirrors the source path on the target when no
// destination was declared.
func (r *Resolver) defaultDestination(item *SourceItem) {
	if item.Destination == "" {
		item.Destination = filepath.ToSlash(item.Absolute)
		r.log.Infow("source will be copied to same destination as source", "source", item.Absolute)
		return
	}
	r.log.Infow("source will be copied to alternate destination", "source", item.Absolute, "destination", item.Destination)
}

func (r *Resolver) resolveScript(item SourceItem) (SourceItem, []TransferUnit) {
	item.Kind = KindScript

	info, err := os.Stat(r.abs(item.Input))
	if err != nil || !info.Mode().IsRegular() {
		r.log.Errorw("source script is not a file", "input", item.Input, "error", err)
		return item, nil
	}
	r.absolutize(&item)

	mode := info.Mode()
	if mode.Perm()&0o111 == 0 {
		r.log.Errorw("source script is not executable, destination will not be able to run it",
			"script", item.Absolute, "mode", mode.String())
		return item, nil
	}
	r.log.Infow("source script is executable", "script", item.Absolute, "mode", mode.String())

	r.defaultDestination(&item)
	item.Valid = true
	return item, []TransferUnit{{
		LocalPath:  item.Absolute,
		RemotePath: item.Destination,
		Script:     true,
		Source:     item.Input,
	}}
}

func (r *Resolver) resolvePath(item SourceItem, kind Kind) (SourceItem, []TransferUnit) {
	item.Kind = kind
	r.absolutize(&item)
	r.log.Infow("source identified", "kind", kind.String(), "path", item.Absolute)
	r.defaultDestination(&item)
	item.Valid = true
	return item, []TransferUnit{{
		LocalPath:  item.Absolute,
		RemotePath: item.Destination,
		IsDir:      kind == KindDirectory,
		Source:     item.Input,
	}}
}

func (r *Resolver) resolveGlob(item SourceItem) (SourceItem, []TransferUnit) {
	item.Kind = KindGlob

	pattern := filepath.ToSlash(r.abs(item.Input))
	item.Absolute = filepath.FromSlash(pattern)
	if !doublestar.ValidatePathPattern(item.Absolute) {
		r.log.Errorw("glob pattern is malformed", "glob", item.Input)
		return item, nil
	}

	matches, err := doublestar.FilepathGlob(item.Absolute)
	if err != nil {
		r.log.Errorw("glob expansion failed", "glob", item.Input, "error", err)
		return item, nil
	}
	sort.Strings(matches)

	item.Valid = true
	if len(matches) == 0 {
		r.log.Warnw("glob does not match any files or folders", "glob", item.Input)
		item.GlobEmpty = true
		return item, nil
	}
	r.log.Infow("glob will match items", "glob", item.Input, "count", len(matches))

	base, _ := doublestar.SplitPattern(pattern)
	units := make([]TransferUnit, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			r.log.Warnw("glob match vanished before it could be inspected", "glob", item.Input, "match", match, "error", err)
			continue
		}

		remote := filepath.ToSlash(match)
		if item.Destination != "" {
			rel, err := filepath.Rel(filepath.FromSlash(base), match)
			if err != nil {
				rel = filepath.Base(match)
			}
			remote = path.Join(item.Destination, filepath.ToSlash(rel))
		}

		units = append(units, TransferUnit{
			LocalPath:  match,
			RemotePath: remote,
			IsDir:      info.IsDir(),
			Source:     item.Input,
		})
	}
	return item, units
}
