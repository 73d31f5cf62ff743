// Package binplan computes, for each binary a crate declares, the concrete
// (extracted-archive source path, installed destination path, optional
// unversioned symlink) triple described by spec §4.G. It must run after
// the archive has been extracted, since bin-dir inference probes the
// extracted directory tree for a recognizable layout.
package binplan

import (
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/binstow/binstow/internal/target"
	"github.com/binstow/binstow/internal/urltemplate"
)

// Data carries everything BinFile construction needs for one crate.
type Data struct {
	Name        string
	Target      target.Triple
	Version     string
	Repo        string // repository URL, empty if unknown
	PkgFmt      string // resolved package format, e.g. "tgz", "bin"
	BinPath     string // archive root dir (templated formats) or the binary file itself (raw format)
	InstallPath string
}

// defaultBinDirTemplate is the fallback used when none of the
// possible-directory probes in InferBinDirTemplate match anything in the
// extracted archive: the binary sits directly at the archive root.
const defaultBinDirTemplate = "{ bin }{ binary-ext }"

// possibleDirNamers generates candidate top-level directory names an
// archive might unpack its binaries under, most-specific first. Keep this
// in sync with the hosting-service filename templates in
// internal/fetch/hosting.go — both lists describe the same small set of
// upstream release-naming conventions.
var possibleDirNamers = []func(name, target, version string) string{
	func(name, target, version string) string { return fmt.Sprintf("%s-%s-v%s", name, target, version) },
	func(name, target, version string) string { return fmt.Sprintf("%s-%s-%s", name, target, version) },
	func(name, target, version string) string { return fmt.Sprintf("%s-%s-%s", name, version, target) },
	func(name, target, version string) string { return fmt.Sprintf("%s-v%s-%s", name, version, target) },
	func(name, target, _ string) string { return fmt.Sprintf("%s-%s", name, target) },
	func(name, _, version string) string { return fmt.Sprintf("%s-%s", name, version) },
	func(name, _, version string) string { return fmt.Sprintf("%s-v%s", name, version) },
	func(name, _, _ string) string { return name },
}

// InferBinDirTemplate probes the extracted archive (via hasDir, which
// reports whether a given relative directory exists) for one of the known
// release-layout conventions, returning a bin-dir template rooted at the
// first matching directory. If none match, the binary is assumed to sit
// directly at the archive root.
func InferBinDirTemplate(data Data, hasDir func(relDir string) bool) string {
	name, tgt, version := data.Name, data.Target.String(), data.Version
	for _, gen := range possibleDirNamers {
		dir := gen(name, tgt, version)
		if hasDir(dir) {
			return dir + "/" + defaultBinDirTemplate
		}
	}
	return defaultBinDirTemplate
}

// BinFile is a single binary's extraction-to-installation plan.
type BinFile struct {
	BaseName          string // installed file's base name, including any platform extension
	Source            string // absolute path to the binary within the extracted archive
	ArchiveSourcePath string // path relative to the archive root, for check-source-exists
	Dest              string // absolute install destination
	Link              string // absolute path of an unversioned symlink to Dest, empty if none
}

// New plans one BinFile. binDirTemplate must come from InferBinDirTemplate
// or an explicit bin-dir metadata override; it is ignored for the raw
// package format, where BinPath already names the single downloaded file.
func New(data Data, baseName, binDirTemplate string, noSymlinks bool) (*BinFile, error) {
	binaryExt := data.Target.BinaryExt()

	ctx := map[string]string{
		"name":          data.Name,
		"target":        data.Target.String(),
		"version":       data.Version,
		"bin":           baseName,
		"binary-ext":    binaryExt,
		"format":        binaryExt, // soft-deprecated alias for binary-ext
		"target_family": data.Target.Family(),
		"target_arch":   data.Target.Arch(),
		"target_vendor": data.Target.Vendor(),
		"target_libc":   data.Target.Env(),
	}
	if data.Repo != "" {
		ctx["repo"] = data.Repo
	}

	var source, archiveSourcePath string
	if data.PkgFmt == "bin" {
		source = data.BinPath
		archiveSourcePath = filepath.Base(data.BinPath)
	} else {
		rendered, err := urltemplate.Render(binDirTemplate, ctx)
		if err != nil {
			return nil, fmt.Errorf("binplan: rendering bin-dir template: %w", err)
		}

		normalized := normalize(rendered)
		if normalized == "" {
			return nil, fmt.Errorf("binplan: bin-dir configuration for %q generates an empty source path", baseName)
		}
		if !isValidPath(normalized) {
			return nil, fmt.Errorf("binplan: bin-dir configuration for %q generates a source path outside the archive root: %q", baseName, normalized)
		}

		archiveSourcePath = normalized
		source = filepath.Join(data.BinPath, filepath.FromSlash(normalized))
	}

	dest := filepath.Join(data.InstallPath, baseName+binaryExt)

	var link string
	if !noSymlinks {
		destWithVersion := filepath.Join(data.InstallPath, fmt.Sprintf("%s-v%s%s", baseName, data.Version, binaryExt))
		link = dest
		dest = destWithVersion
	}

	return &BinFile{
		BaseName:          baseName + binaryExt,
		Source:            source,
		ArchiveSourcePath: archiveSourcePath,
		Dest:              dest,
		Link:              link,
	}, nil
}

// normalize collapses "." and ".." path segments using forward-slash
// semantics, since bin-dir templates are archive-relative paths rather
// than OS paths.
func normalize(p string) string {
	cleaned := path.Clean(filepath.ToSlash(p))
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// isValidPath reports whether a normalized archive-relative path stays
// within the archive root: no absolute path, no leading "..".
func isValidPath(normalized string) bool {
	if strings.HasPrefix(normalized, "/") {
		return false
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return false
	}
	return true
}

// LinkDest returns the target a symlink at f.Link should point to: a
// relative reference on Unix (so the install tree stays relocatable), an
// absolute one on Windows (whose symlink semantics don't resolve relative
// targets the same way when the link and target live in the same
// directory as they always do here).
func (f *BinFile) LinkDest() string {
	if f.Link == "" {
		return ""
	}
	if runtime.GOOS == "windows" {
		return f.Dest
	}
	return filepath.Base(f.Dest)
}

// CheckSourceExists reports whether hasFile (given an archive-relative
// path) confirms the planned binary is actually present in the extracted
// archive, distinguishing a missing binary from any other install failure.
func (f *BinFile) CheckSourceExists(hasFile func(relPath string) bool) error {
	if hasFile(f.ArchiveSourcePath) {
		return nil
	}
	return fmt.Errorf("binplan: binary file %q not found", f.Source)
}
