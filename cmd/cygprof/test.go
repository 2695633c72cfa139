package main

import (
	"errors"
	"fmt"
	gobuild "go/build"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/cygprof/cmd/cygprof/instrument"
	"github.com/kolkov/cygprof/cmd/cygprof/runtime"
	tracecfg "github.com/kolkov/cygprof/internal/cygprof/config"
)

func init() {
	rootCmd.AddCommand(testCmd)
}

// testCmd instruments the packages under test, including their _test.go
// files, and runs 'go test' on the result. It accepts every `go test` flag,
// so cobra's flag parsing is disabled.
//
// Flow:
//  1. Parse arguments (test flags + package patterns)
//  2. Create temporary workspace mirroring the module
//  3. Instrument the tested packages, giving each a TestMain that flushes
//  4. Write the workspace go.mod and tidy it
//  5. Call 'go test' with instrumented code
//  6. Copy each package's trace file back and forward the exit code
//  7. Cleanup temporary files
var testCmd = &cobra.Command{
	Use:   "test [-v] [-closures] [test flags] [packages]",
	Short: "Run go test with function tracing",
	Example: `  cygprof test ./...
  cygprof test -v ./internal/...
  cygprof test -run=TestMyFunction ./pkg/mypackage
  cygprof test -cover -coverprofile=coverage.out ./...`,
	DisableFlagParsing: true,
	RunE:               runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		return cmd.Help()
	}

	config, err := parseTestArgs(args)
	if err != nil {
		return err
	}

	code, err := testPackages(config, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// testConfig holds configuration for the test command.
type testConfig struct {
	// Package patterns to test (e.g., "./...", "./internal/...")
	packages []string

	// Test flags to pass to go test (-v, -run, -bench, etc.)
	testFlags []string

	// Working directory
	workDir string

	// Verbose output flag (-v)
	verbose bool

	// Instrumentation options (-closures)
	instrument instrument.Options
}

// testedPackage is one package directory under test.
type testedPackage struct {
	dir string // Absolute source directory
	rel string // Path relative to the module root
}

// testPackages runs the whole instrument-link-test pipeline and returns the
// exit status of 'go test'.
func testPackages(config *testConfig, out io.Writer) (int, error) {
	if err := runtime.ValidateRuntimeAvailable(); err != nil {
		return 0, fmt.Errorf("cygprof runtime not found: %w", err)
	}

	ws, err := createWorkspace()
	if err != nil {
		return 0, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer ws.cleanup()

	pkgs, err := instrumentTestSources(config, ws, out)
	if err != nil {
		return 0, fmt.Errorf("failed to instrument sources: %w", err)
	}

	if err := ws.setupRuntimeLinking(config.workDir, true); err != nil {
		return 0, fmt.Errorf("failed to set up runtime: %w", err)
	}

	code := ws.runTests(config, pkgs)
	if err := collectTraces(ws, pkgs, out); err != nil {
		return 0, err
	}
	return code, nil
}

// parseTestArgs parses command-line arguments for 'cygprof test'.
//
// The 'go test' command format is:
//
//	go test [build/test flags] [packages] [test binary flags]
//
// We support:
//
//	cygprof test ./...
//	cygprof test -v ./internal/...
//	cygprof test -run=TestFoo -v ./pkg/...
//	cygprof test -cover -coverprofile=c.out ./...
func parseTestArgs(args []string) (*testConfig, error) {
	config := &testConfig{
		packages:  []string{},
		testFlags: []string{},
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "-v":
			// Used by both us and go test.
			config.verbose = true
			config.testFlags = append(config.testFlags, arg)
		case arg == "-closures" || arg == "--closures":
			config.instrument.Closures = true
		case strings.HasPrefix(arg, "-"):
			config.testFlags = append(config.testFlags, arg)
			if testFlagNeedsValue(arg) && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				config.testFlags = append(config.testFlags, args[i])
			}
		default:
			config.packages = append(config.packages, arg)
		}
	}

	// Default: test current directory if no packages specified
	if len(config.packages) == 0 {
		config.packages = []string{"."}
	}

	return config, nil
}

// testFlagNeedsValue returns true if the test flag expects a following value.
func testFlagNeedsValue(flag string) bool {
	// Already has = format (e.g., -run=TestFoo)
	if strings.Contains(flag, "=") {
		return false
	}

	valueFlags := []string{
		"-run", "-skip", "-bench", "-benchtime", "-blockprofile", "-blockprofilerate",
		"-coverprofile", "-covermode", "-coverpkg", "-count", "-cpu", "-cpuprofile",
		"-memprofile", "-memprofilerate", "-mutexprofile", "-mutexprofilefraction",
		"-outputdir", "-parallel", "-timeout", "-trace", "-fuzz", "-fuzztime",
	}
	for _, vf := range valueFlags {
		if flag == vf {
			return true
		}
	}

	// Build flags that may appear
	return needsValue(flag)
}

// instrumentTestSources mirrors the module containing config.workDir into
// the workspace and instruments the packages matched by config.packages.
//
// Packages outside the pattern are copied verbatim so that imports inside the
// module still resolve. Every tested package ends up with a TestMain that
// writes the trace: its own, instrumented, or a generated one.
func instrumentTestSources(config *testConfig, ws *workspace, out io.Writer) ([]testedPackage, error) {
	root := runtime.ProjectRoot(config.workDir)
	if root == "" {
		root = config.workDir
	}

	dirs, err := resolvePackagePatterns(config.packages, config.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve packages: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", config.packages)
	}

	pkgs := make([]testedPackage, 0, len(dirs))
	tested := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("package %s is outside module root %s", dir, root)
		}
		pkgs = append(pkgs, testedPackage{dir: dir, rel: rel})
		tested[dir] = true
	}

	if err := mirrorModule(root, ws.srcDir, tested); err != nil {
		return nil, fmt.Errorf("failed to copy module: %w", err)
	}

	var (
		total instrument.InstrumentStats
		files int
	)
	for _, pkg := range pkgs {
		stats, n, err := instrumentTestPackage(config, pkg, filepath.Join(ws.srcDir, pkg.rel), out)
		if err != nil {
			return nil, err
		}
		total = addStats(total, stats)
		files += n
	}

	if files == 0 {
		return nil, fmt.Errorf("no Go source files found")
	}

	fmt.Fprintf(out, "Instrumented %d files in %d packages: %d hooks inserted\n", files, len(pkgs), total.Total())
	return pkgs, nil
}

// instrumentTestPackage instruments one package directory into dst and
// returns the combined stats and the number of Go files written.
func instrumentTestPackage(config *testConfig, pkg testedPackage, dst string, out io.Writer) (instrument.InstrumentStats, int, error) {
	var total instrument.InstrumentStats

	goFiles, err := collectTestGoFiles(pkg.dir)
	if err != nil {
		return total, 0, fmt.Errorf("failed to collect files from %s: %w", pkg.dir, err)
	}
	if len(goFiles) == 0 {
		return total, 0, nil
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return total, 0, fmt.Errorf("failed to create directory %s: %w", dst, err)
	}

	for _, srcPath := range goFiles {
		result, err := instrument.InstrumentFileWith(srcPath, nil, config.instrument)
		if err != nil {
			return total, 0, err
		}

		outPath := filepath.Join(dst, filepath.Base(srcPath))
		if err := os.WriteFile(outPath, []byte(result.Code), 0o644); err != nil {
			return total, 0, fmt.Errorf("failed to write instrumented file %s: %w", outPath, err)
		}

		if config.verbose {
			fmt.Fprintf(out, "Instrumented: %s (%d hooks)\n", filepath.Join(pkg.rel, filepath.Base(srcPath)), result.Stats.Total())
		}
		total = addStats(total, result.Stats)
	}

	if err := copyPackageAssets(pkg.dir, dst); err != nil {
		return total, 0, err
	}

	if total.TestMain {
		return total, len(goFiles), nil
	}

	name, err := testMainPackage(goFiles)
	if err != nil {
		return total, 0, err
	}
	code, err := instrument.GenerateTestMain(name)
	if err != nil {
		return total, 0, err
	}
	if err := os.WriteFile(filepath.Join(dst, instrument.TestMainFile), code, 0o644); err != nil {
		return total, 0, fmt.Errorf("failed to write TestMain: %w", err)
	}
	if config.verbose {
		fmt.Fprintf(out, "Generated: %s\n", filepath.Join(pkg.rel, instrument.TestMainFile))
	}
	return total, len(goFiles), nil
}

// testMainPackage picks the package a generated TestMain belongs to: the
// package of the non-test files, or of the test files when there are none.
func testMainPackage(goFiles []string) (string, error) {
	fallback := ""
	for _, path := range goFiles {
		// Files excluded by build constraints may declare anything.
		if ok, err := gobuild.Default.MatchFile(filepath.Dir(path), filepath.Base(path)); err == nil && !ok {
			continue
		}
		name, err := instrument.PackageName(path, nil)
		if err != nil {
			return "", err
		}
		if !strings.HasSuffix(path, "_test.go") {
			return name, nil
		}
		if fallback == "" {
			fallback = name
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("no package clause found")
	}
	return fallback, nil
}

// mirrorModule copies the module rooted at root into dst, skipping the
// tested package directories (instrumented separately), nested modules and
// directories the go tool ignores. The root go.mod is skipped; the workspace
// writes its own.
func mirrorModule(root, dst string, tested map[string]bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if ignoredDir(d.Name()) || isModuleRoot(path) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || tested[filepath.Dir(path)] {
			return nil
		}
		if filepath.Dir(path) == root && d.Name() == "go.mod" {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

// copyPackageAssets copies the non-Go files of a tested package (embedded
// files, fixtures) and its testdata directory.
func copyPackageAssets(dir, dst string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cannot read directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasSuffix(name, ".go") {
			continue
		}
		if err := copyFile(filepath.Join(dir, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}

	testdata := filepath.Join(dir, "testdata")
	if info, err := os.Stat(testdata); err == nil && info.IsDir() {
		if err := os.CopyFS(filepath.Join(dst, "testdata"), os.DirFS(testdata)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", testdata, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// ignoredDir reports whether the go tool skips directories named name.
func ignoredDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
		name == "vendor" || name == "testdata"
}

func isModuleRoot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "go.mod"))
	return err == nil
}

// resolvePackagePatterns resolves package patterns like "./..." to absolute
// directories.
func resolvePackagePatterns(patterns []string, workDir string) ([]string, error) {
	var dirs []string
	seen := make(map[string]bool)

	add := func(dir string) {
		if !seen[dir] {
			dirs = append(dirs, dir)
			seen[dir] = true
		}
	}

	for _, pattern := range patterns {
		if !strings.HasSuffix(pattern, "/...") && !strings.HasSuffix(pattern, `\...`) {
			dir := pattern
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(workDir, pattern)
			}
			add(filepath.Clean(dir))
			continue
		}

		baseDir := strings.TrimSuffix(strings.TrimSuffix(pattern, "/..."), `\...`)
		if baseDir == "." || baseDir == "" {
			baseDir = workDir
		} else if !filepath.IsAbs(baseDir) {
			baseDir = filepath.Join(workDir, baseDir)
		}

		err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path != baseDir && (ignoredDir(d.Name()) || isModuleRoot(path)) {
				return filepath.SkipDir
			}
			if hasGo, _ := hasGoFiles(path); hasGo {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", baseDir, err)
		}
	}

	return dirs, nil
}

// hasGoFiles checks if a directory contains any .go files.
func hasGoFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".go") {
			return true, nil
		}
	}
	return false, nil
}

// collectTestGoFiles collects all .go files from a directory, test files
// included.
func collectTestGoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var goFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".go") {
			goFiles = append(goFiles, filepath.Join(dir, name))
		}
	}
	return goFiles, nil
}

// runTests executes 'go test' on the mirrored packages and returns its exit
// status.
func (w *workspace) runTests(config *testConfig, pkgs []testedPackage) int {
	args := []string{"test"}
	args = append(args, outputDirFlags(config.testFlags, config.workDir)...)
	for _, pkg := range pkgs {
		args = append(args, "./"+filepath.ToSlash(pkg.rel))
	}

	cmd := exec.Command("go", args...)
	cmd.Dir = w.srcDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code > 0 {
				return code
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error executing tests: %v\n", err)
		return 1
	}
	return 0
}

// outputDirFlags anchors profile output (-coverprofile, -cpuprofile, ...) to
// workDir. go test writes it relative to -outputdir, which defaults to the
// directory go test runs in: the workspace.
func outputDirFlags(flags []string, workDir string) []string {
	out := make([]string, 0, len(flags)+1)
	found := false
	for i := 0; i < len(flags); i++ {
		flag := flags[i]
		switch {
		case flag == "-outputdir" && i+1 < len(flags):
			i++
			out = append(out, flag, absFrom(workDir, flags[i]))
			found = true
		case strings.HasPrefix(flag, "-outputdir="):
			out = append(out, "-outputdir="+absFrom(workDir, strings.TrimPrefix(flag, "-outputdir=")))
			found = true
		default:
			out = append(out, flag)
		}
	}
	if !found {
		out = append(out, "-outputdir="+workDir)
	}
	return out
}

func absFrom(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// collectTraces copies the trace each test binary wrote into its mirrored
// package directory back to the real package directory. A test binary runs
// in its package directory, so a relative CYGPROF_FILENAME lands there; an
// absolute one is written in place and left alone.
func collectTraces(w *workspace, pkgs []testedPackage, out io.Writer) error {
	name := tracecfg.FromEnv().Filename
	if filepath.IsAbs(name) {
		return nil
	}

	for _, pkg := range pkgs {
		src := filepath.Join(w.srcDir, pkg.rel, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(pkg.dir, name)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to collect trace: %w", err)
		}
		fmt.Fprintf(out, "Trace written: %s\n", dst)
	}
	return nil
}
