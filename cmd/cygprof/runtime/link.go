// Package runtime links instrumented programs against the tracer runtime.
//
// Instrumented sources are built in a temporary workspace. The workspace needs
// a go.mod that requires this module and, when the tool runs from a source
// checkout, replaces it with the local tree so unreleased runtime changes are
// picked up.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

const (
	// ModulePath is the module providing the tracer runtime.
	ModulePath = "github.com/kolkov/cygprof"

	// PackagePath is the runtime package instrumented code imports.
	PackagePath = ModulePath + "/cygprof"

	// RootEnv overrides source tree discovery.
	RootEnv = "CYGPROF_ROOT"

	// workspaceModule is the module path of the generated workspace.
	workspaceModule = "instrumented"

	// defaultGoVersion is used when the instrumented project has no go.mod.
	defaultGoVersion = "1.24"
)

// marker identifies a cygprof source tree. A plain go.mod is not enough: it
// would match the user's project.
var marker = filepath.Join("internal", "cygprof", "api")

// ErrNoSourceTree is returned by FindSourceTree when no checkout is found.
var ErrNoSourceTree = errors.New("could not find cygprof source tree")

// ValidateRuntimeAvailable checks that a source tree, if one is configured
// through RootEnv, actually contains the runtime.
func ValidateRuntimeAvailable() error {
	root := os.Getenv(RootEnv)
	if root == "" {
		return nil
	}
	if !isSourceTree(root) {
		return fmt.Errorf("%s=%s does not contain %s", RootEnv, root, marker)
	}
	return nil
}

// FindSourceTree returns the root of a cygprof checkout.
//
// Search order:
//  1. RootEnv
//  2. the working directory and its parents
//  3. the directory of the running executable and two levels above it
//     (tool built into the repository root or a bin/ directory)
func FindSourceTree() (string, error) {
	if root := os.Getenv(RootEnv); root != "" {
		if isSourceTree(root) {
			return filepath.Abs(root)
		}
		return "", fmt.Errorf("%w: %s=%s", ErrNoSourceTree, RootEnv, root)
	}

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; {
			if isSourceTree(dir) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, candidate := range []string{exeDir, filepath.Dir(exeDir), filepath.Dir(filepath.Dir(exeDir))} {
			if isSourceTree(candidate) {
				return candidate, nil
			}
		}
	}

	return "", ErrNoSourceTree
}

func isSourceTree(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, marker))
	return err == nil && info.IsDir()
}

// findGoMod walks up from startDir to the nearest go.mod. Returns "" if none.
func findGoMod(startDir string) string {
	dir := startDir
	for {
		modPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(modPath); err == nil {
			return modPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ModFileOverlay writes the go.mod for a build workspace.
//
// The file:
//   - declares module "instrumented" at the instrumented project's go version
//   - carries over the project's requirements
//   - carries over the project's replace directives, with local paths made
//     absolute (the workspace lives elsewhere)
//   - in a source checkout, requires and replaces ModulePath with the tree
//
// Outside a checkout ModulePath is left for `go mod tidy` to resolve.
//
// Parameters:
//   - tempDir: workspace directory; go.mod is written here
//   - sourceDir: directory of the instrumented sources (to find their go.mod)
//
// Returns the path of the written go.mod.
func ModFileOverlay(tempDir, sourceDir string) (string, error) {
	f, err := overlay(sourceDir, false)
	if err != nil {
		return "", err
	}
	return writeModFile(tempDir, f)
}

// ModFileMirror writes the go.mod for a workspace that mirrors the project
// tree, so that packages keep their import paths. It is ModFileOverlay except
// that the project's module path is kept.
//
// Parameters:
//   - mirrorDir: root of the mirrored tree; go.mod is written here
//   - projectDir: any directory inside the project (to find its go.mod)
func ModFileMirror(mirrorDir, projectDir string) (string, error) {
	f, err := overlay(projectDir, true)
	if err != nil {
		return "", err
	}
	return writeModFile(mirrorDir, f)
}

// ProjectRoot returns the directory holding the go.mod that governs dir, or
// "" when there is none.
func ProjectRoot(dir string) string {
	if path := findGoMod(dir); path != "" {
		return filepath.Dir(path)
	}
	return ""
}

func writeModFile(tempDir string, f *modfile.File) (string, error) {
	data, err := f.Format()
	if err != nil {
		return "", fmt.Errorf("failed to format go.mod: %w", err)
	}

	path := filepath.Join(tempDir, "go.mod")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write go.mod: %w", err)
	}
	return path, nil
}

// overlay builds the workspace go.mod in memory. keepModule keeps the
// project's module path instead of workspaceModule.
func overlay(sourceDir string, keepModule bool) (*modfile.File, error) {
	var orig *modfile.File
	if sourceDir != "" {
		if path := findGoMod(sourceDir); path != "" {
			parsed, err := parseGoMod(path)
			if err != nil {
				return nil, err
			}
			orig = parsed
		}
	}

	module := workspaceModule
	if keepModule && orig != nil && orig.Module != nil {
		module = orig.Module.Mod.Path
	}
	if module == ModulePath {
		return nil, fmt.Errorf("cannot instrument %s with itself", ModulePath)
	}

	f := new(modfile.File)
	if err := f.AddModuleStmt(module); err != nil {
		return nil, fmt.Errorf("failed to set module: %w", err)
	}

	goVersion := defaultGoVersion
	if orig != nil && orig.Go != nil {
		goVersion = orig.Go.Version
	}
	if err := f.AddGoStmt(goVersion); err != nil {
		return nil, fmt.Errorf("failed to set go version: %w", err)
	}

	if orig != nil {
		for _, req := range orig.Require {
			if req.Mod.Path == ModulePath {
				continue
			}
			if err := f.AddRequire(req.Mod.Path, req.Mod.Version); err != nil {
				return nil, fmt.Errorf("failed to copy require %s: %w", req.Mod.Path, err)
			}
		}
		for _, rep := range absReplaces(orig) {
			if rep.Old.Path == ModulePath {
				continue
			}
			if err := f.AddReplace(rep.Old.Path, rep.Old.Version, rep.New.Path, rep.New.Version); err != nil {
				return nil, fmt.Errorf("failed to copy replace %s: %w", rep.Old.Path, err)
			}
		}
	}

	root, err := FindSourceTree()
	if err != nil {
		// Published mode: go mod tidy picks the released runtime.
		//nolint:nilerr // A missing checkout is not a failure.
		return f, nil
	}
	if err := f.AddRequire(ModulePath, "v0.0.0"); err != nil {
		return nil, fmt.Errorf("failed to require runtime: %w", err)
	}
	if err := f.AddReplace(ModulePath, "", root, ""); err != nil {
		return nil, fmt.Errorf("failed to replace runtime: %w", err)
	}
	return f, nil
}

func parseGoMod(path string) (*modfile.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// absReplaces returns f's replace directives with directory targets resolved
// against the directory containing f.
func absReplaces(f *modfile.File) []modfile.Replace {
	dir := filepath.Dir(f.Syntax.Name)

	out := make([]modfile.Replace, 0, len(f.Replace))
	for _, rep := range f.Replace {
		r := *rep
		if r.New.Version == "" && modfile.IsDirectoryPath(r.New.Path) && !filepath.IsAbs(r.New.Path) {
			if abs, err := filepath.Abs(filepath.Join(dir, r.New.Path)); err == nil {
				r.New.Path = abs
			}
		}
		out = append(out, r)
	}
	return out
}
