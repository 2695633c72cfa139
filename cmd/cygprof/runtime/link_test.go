package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/modfile"
)

// fakeTree creates a directory that looks like a cygprof checkout.
func fakeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, marker), 0o755))
	return root
}

func readOverlay(t *testing.T, path string) *modfile.File {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := modfile.Parse(path, data, nil)
	require.NoError(t, err)
	return f
}

// TestFindSourceTreeFromEnv tests the explicit override.
func TestFindSourceTreeFromEnv(t *testing.T) {
	root := fakeTree(t)
	t.Setenv(RootEnv, root)

	got, err := FindSourceTree()
	require.NoError(t, err)
	assert.Equal(t, root, got)
	assert.NoError(t, ValidateRuntimeAvailable())
}

// TestFindSourceTreeBadEnv tests an override pointing elsewhere.
func TestFindSourceTreeBadEnv(t *testing.T) {
	t.Setenv(RootEnv, t.TempDir())

	_, err := FindSourceTree()
	assert.ErrorIs(t, err, ErrNoSourceTree)
	assert.Error(t, ValidateRuntimeAvailable())
}

// TestFindSourceTreeFromCheckout tests discovery by walking up from the
// package directory, which lives inside this repository.
func TestFindSourceTreeFromCheckout(t *testing.T) {
	t.Setenv(RootEnv, "")

	root, err := FindSourceTree()
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, marker))
	assert.FileExists(t, filepath.Join(root, "go.mod"))
}

// TestModFileOverlay tests the generated go.mod for a project with
// requirements and local replaces.
func TestModFileOverlay(t *testing.T) {
	root := fakeTree(t)
	t.Setenv(RootEnv, root)

	project := t.TempDir()
	gomod := `module example.com/app

go 1.23

require (
	example.com/lib v1.2.3
	github.com/kolkov/cygprof v0.1.0
)

replace example.com/lib => ../lib

replace example.com/pinned v1.0.0 => example.com/fork v1.0.1
`
	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"), []byte(gomod), 0o644))
	src := filepath.Join(project, "cmd", "app")
	require.NoError(t, os.MkdirAll(src, 0o755))

	work := t.TempDir()
	path, err := ModFileOverlay(work, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "go.mod"), path)

	f := readOverlay(t, path)
	assert.Equal(t, "instrumented", f.Module.Mod.Path)
	assert.Equal(t, "1.23", f.Go.Version)

	requires := map[string]string{}
	for _, r := range f.Require {
		requires[r.Mod.Path] = r.Mod.Version
	}
	assert.Equal(t, map[string]string{
		"example.com/lib": "v1.2.3",
		ModulePath:        "v0.0.0",
	}, requires)

	replaces := map[string]string{}
	for _, r := range f.Replace {
		replaces[r.Old.Path] = r.New.Path
	}
	assert.Equal(t, filepath.Join(filepath.Dir(project), "lib"), replaces["example.com/lib"])
	assert.Equal(t, "example.com/fork", replaces["example.com/pinned"])
	assert.Equal(t, root, replaces[ModulePath])
}

// TestModFileOverlayNoProject tests sources outside any module.
func TestModFileOverlayNoProject(t *testing.T) {
	t.Setenv(RootEnv, fakeTree(t))

	path, err := ModFileOverlay(t.TempDir(), "")
	require.NoError(t, err)

	f := readOverlay(t, path)
	assert.Equal(t, defaultGoVersion, f.Go.Version)
	require.Len(t, f.Require, 1)
	assert.Equal(t, ModulePath, f.Require[0].Mod.Path)
}

// TestModFileOverlayBadGoMod tests parse failures of the project's go.mod.
func TestModFileOverlayBadGoMod(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"), []byte("module\n"), 0o644))

	_, err := ModFileOverlay(t.TempDir(), project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

// TestModFileMirror tests that a mirrored workspace keeps the module path.
func TestModFileMirror(t *testing.T) {
	root := fakeTree(t)
	t.Setenv(RootEnv, root)

	project := t.TempDir()
	gomod := "module example.com/app\n\ngo 1.23\n\nrequire example.com/lib v1.2.3\n"
	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"), []byte(gomod), 0o644))
	pkg := filepath.Join(project, "internal", "store")
	require.NoError(t, os.MkdirAll(pkg, 0o755))

	mirror := t.TempDir()
	path, err := ModFileMirror(mirror, pkg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mirror, "go.mod"), path)

	f := readOverlay(t, path)
	assert.Equal(t, "example.com/app", f.Module.Mod.Path)
	assert.Equal(t, "1.23", f.Go.Version)
	require.Len(t, f.Replace, 1)
	assert.Equal(t, root, f.Replace[0].New.Path)

	assert.Equal(t, project, ProjectRoot(pkg))
}

// TestModFileMirrorSelf tests that the tracer's own module is rejected.
func TestModFileMirrorSelf(t *testing.T) {
	project := t.TempDir()
	gomod := "module " + ModulePath + "\n\ngo 1.24\n"
	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"), []byte(gomod), 0o644))

	_, err := ModFileMirror(t.TempDir(), project)
	assert.Error(t, err)
}

// TestAbsReplaces tests path resolution of replace targets.
func TestAbsReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "go.mod")
	data := []byte(`module m

replace (
	a => ./a
	b => ../b
	c => example.com/c v1.0.0
	d => /abs/d
)
`)
	f, err := modfile.Parse(path, data, nil)
	require.NoError(t, err)

	got := map[string]string{}
	for _, r := range absReplaces(f) {
		got[r.Old.Path] = r.New.Path
	}
	assert.Equal(t, map[string]string{
		"a": filepath.Join(dir, "a"),
		"b": filepath.Join(filepath.Dir(dir), "b"),
		"c": "example.com/c",
		"d": "/abs/d",
	}, got)
}
