// Package filefilter expands upload arguments into the list of documents to send.
// Directories are walked; files are kept when their extension, size and location pass
// the filter and no .gitignore in the walked tree excludes them.
package filefilter

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/denormal/go-gitignore"
	"github.com/go-go-golems/clay/pkg/filewalker"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultMaxFileSize = 20 * 1024 * 1024

var (
	// DefaultDocumentExts are the extensions the instant upload endpoint indexes.
	DefaultDocumentExts = []string{
		".pdf", ".doc", ".docx", ".txt", ".md", ".csv", ".xls", ".xlsx", ".ppt", ".pptx", ".html", ".json",
	}

	DefaultExcludedDirs = []string{
		".git", ".svn", "node_modules", "vendor", ".history", ".idea", ".vscode", "build", "dist",
	}

	DefaultExcludedMatchFilenames = []*regexp.Regexp{
		regexp.MustCompile(`^~\$`),
		regexp.MustCompile(`^\.`),
		regexp.MustCompile(`.*-lock\.json$`),
	}
)

type Filter struct {
	MaxFileSize           int64
	IncludeExts           []string
	ExcludeExts           []string
	ExcludeDirs           []string
	ExcludeMatchFilenames []*regexp.Regexp
	DisableGitIgnore      bool
	DisableDefaultFilters bool
}

type Option func(*Filter)

func New(options ...Option) *Filter {
	f := &Filter{
		MaxFileSize: DefaultMaxFileSize,
		IncludeExts: DefaultDocumentExts,
	}
	for _, o := range options {
		o(f)
	}
	return f
}

func WithMaxFileSize(size int64) Option {
	return func(f *Filter) {
		if size > 0 {
			f.MaxFileSize = size
		}
	}
}

// WithIncludeExts replaces the accepted extensions. An empty list accepts any extension.
func WithIncludeExts(exts []string) Option {
	return func(f *Filter) { f.IncludeExts = normalizeExts(exts) }
}

func WithExcludeExts(exts []string) Option {
	return func(f *Filter) { f.ExcludeExts = normalizeExts(exts) }
}

func WithExcludeDirs(dirs []string) Option {
	return func(f *Filter) { f.ExcludeDirs = dirs }
}

func WithExcludeMatchFilenames(patterns []string) Option {
	return func(f *Filter) { f.ExcludeMatchFilenames = compileRegexps(patterns) }
}

func WithDisableGitIgnore(disable bool) Option {
	return func(f *Filter) { f.DisableGitIgnore = disable }
}

func WithDisableDefaultFilters(disable bool) Option {
	return func(f *Filter) { f.DisableDefaultFilters = disable }
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func compileRegexps(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("component", "filefilter").Str("pattern", p).Msg("ignoring invalid pattern")
			continue
		}
		out = append(out, re)
	}
	return out
}

// Collect expands paths into files. Explicitly named files only need to exist and fit
// the size limit; files found by walking a directory must pass every rule. The result
// is sorted and free of duplicates.
func (f *Filter) Collect(paths ...string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", p)
		}
		if !info.IsDir() {
			if info.Size() > f.MaxFileSize {
				return nil, errors.Errorf("%s is larger than %d bytes", p, f.MaxFileSize)
			}
			add(p)
			continue
		}
		files, err := f.walk(p)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			add(file)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Filter) walk(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}
	tw := &treeWalk{f: f, root: root}
	if !f.DisableGitIgnore {
		ignore, err := gitignore.NewRepository(abs)
		if err != nil {
			log.Debug().Err(err).Str("component", "filefilter").Str("root", root).Msg("no gitignore rules")
		} else {
			tw.ignore = ignore
		}
	}

	w, err := filewalker.NewWalker(
		filewalker.WithFS(os.DirFS(root)),
		filewalker.WithFilter(tw.FilterNode),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create walker")
	}

	var out []string
	err = w.Walk([]string{"."}, func(_ *filewalker.Walker, node *filewalker.Node) error {
		if node.GetType() == filewalker.DirectoryNode {
			return nil
		}
		out = append(out, tw.osPath(node.GetPath()))
		return nil
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	return out, nil
}

// treeWalk holds the per-root state the walker's filter needs. Node paths are
// relative to root.
type treeWalk struct {
	f      *Filter
	root   string
	ignore gitignore.GitIgnore
}

func (tw *treeWalk) osPath(rel string) string {
	return filepath.Join(tw.root, filepath.FromSlash(rel))
}

// FilterNode decides whether the walker keeps node. Directories are kept unless they
// are excluded or ignored; files must also pass the extension, size and name rules.
func (tw *treeWalk) FilterNode(node *filewalker.Node) bool {
	rel := filepath.ToSlash(filepath.Clean(node.GetPath()))
	if rel == "." || rel == "" {
		return true
	}
	path := tw.osPath(rel)

	// check every ancestor too, whether or not the walker prunes rejected directories
	parts := strings.Split(rel, "/")
	for i := range parts {
		isLast := i == len(parts)-1
		if !isLast || node.GetType() == filewalker.DirectoryNode {
			if tw.f.isExcludedDir(parts[i]) {
				return false
			}
		}
		if ignored(tw.ignore, tw.osPath(strings.Join(parts[:i+1], "/"))) {
			return false
		}
	}
	if node.GetType() == filewalker.DirectoryNode {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Debug().Err(err).Str("component", "filefilter").Str("path", path).Msg("stat failed")
		return false
	}
	if info.IsDir() {
		return true
	}
	if !tw.f.accepts(path, info.Size()) {
		log.Trace().Str("component", "filefilter").Str("path", path).Msg("excluded")
		return false
	}
	return true
}

func ignored(ignore gitignore.GitIgnore, path string) bool {
	if ignore == nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil || abs == ignore.Base() {
		return false
	}
	m := ignore.Match(abs)
	return m != nil && m.Ignore()
}

func (f *Filter) isExcludedDir(name string) bool {
	if !f.DisableDefaultFilters {
		for _, d := range DefaultExcludedDirs {
			if name == d {
				return true
			}
		}
	}
	for _, d := range f.ExcludeDirs {
		if name == d {
			return true
		}
	}
	return false
}

func (f *Filter) accepts(path string, size int64) bool {
	if size > f.MaxFileSize {
		return false
	}
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))

	if len(f.IncludeExts) > 0 && !contains(f.IncludeExts, ext) {
		return false
	}
	if contains(f.ExcludeExts, ext) {
		return false
	}
	if !f.DisableDefaultFilters {
		for _, re := range DefaultExcludedMatchFilenames {
			if re.MatchString(base) {
				return false
			}
		}
	}
	for _, re := range f.ExcludeMatchFilenames {
		if re.MatchString(base) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
