package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/cygprof/cmd/cygprof/instrument"
	"github.com/kolkov/cygprof/cmd/cygprof/runtime"
)

func init() {
	rootCmd.AddCommand(buildCmd)
}

// buildCmd instruments Go sources and builds them with tracing. It accepts
// every `go build` flag, so cobra's flag parsing is disabled.
//
// Flow:
//  1. Parse arguments (source files + go build flags)
//  2. Create temporary workspace
//  3. Instrument source files
//  4. Write the workspace go.mod and tidy it
//  5. Call 'go build' with instrumented code
//  6. Cleanup temporary files
var buildCmd = &cobra.Command{
	Use:   "build [-o output] [-v] [-closures] [-no-main] [build flags] [files or dir]",
	Short: "Build a Go program with function tracing",
	Example: `  cygprof build main.go
  cygprof build -o myapp main.go helper.go
  cygprof build -ldflags="-s -w" .`,
	DisableFlagParsing: true,
	RunE:               runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	if wantsHelp(args) {
		return cmd.Help()
	}

	config, err := parseBuildArgs(args)
	if err != nil {
		return err
	}

	if err := build(config, cmd.OutOrStdout()); err != nil {
		return err
	}

	if config.outputFile != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Built successfully: %s\n", config.outputFile)
	}
	return nil
}

// build runs the whole instrument-link-compile pipeline for config.
func build(config *buildConfig, out io.Writer) error {
	if err := runtime.ValidateRuntimeAvailable(); err != nil {
		return fmt.Errorf("cygprof runtime not found: %w", err)
	}

	ws, err := createWorkspace()
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	defer ws.cleanup()

	sourceDir, err := instrumentSources(config, ws, out)
	if err != nil {
		return fmt.Errorf("failed to instrument sources: %w", err)
	}

	if err := ws.setupRuntimeLinking(sourceDir, false); err != nil {
		return fmt.Errorf("failed to set up runtime: %w", err)
	}

	if err := ws.build(config); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// buildConfig holds configuration for the build command.
type buildConfig struct {
	// Source files to instrument and build
	sourceFiles []string

	// Output binary name (from -o flag)
	outputFile string

	// Additional go build flags
	buildFlags []string

	// Working directory for build
	workDir string

	// Verbose output flag (-v)
	verbose bool

	// Instrumentation options (-closures, -no-main)
	instrument instrument.Options
}

// parseBuildArgs parses command-line arguments for 'cygprof build'.
//
// It separates:
//   - Source files (.go files or directories)
//   - Output file (-o flag)
//   - Tool flags (-v, -closures, -no-main)
//   - Go build flags (everything else)
func parseBuildArgs(args []string) (*buildConfig, error) {
	config := &buildConfig{
		sourceFiles: []string{},
		buildFlags:  []string{},
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	expectingValue := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// Value of the previous flag, even if it starts with -
		// Example: -ldflags "-s -w"
		if expectingValue {
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = false
			continue
		}

		switch {
		case arg == "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-o flag requires an argument")
			}
			i++
			config.outputFile = args[i]
		case strings.HasPrefix(arg, "-o="):
			config.outputFile = strings.TrimPrefix(arg, "-o=")
		case arg == "-v":
			config.verbose = true
		case arg == "-closures" || arg == "--closures":
			config.instrument.Closures = true
		case arg == "-no-main" || arg == "--no-main":
			config.instrument.SkipMain = true
		case strings.HasPrefix(arg, "-"):
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = needsValue(arg)
		default:
			config.sourceFiles = append(config.sourceFiles, arg)
		}
	}

	// Default: build current directory if no sources specified
	if len(config.sourceFiles) == 0 {
		config.sourceFiles = []string{"."}
	}

	return config, nil
}

// needsValue returns true if the go build flag expects a following value.
func needsValue(flag string) bool {
	valueFlags := []string{
		"-ldflags", "-gcflags", "-asmflags", "-gccgoflags",
		"-tags", "-installsuffix", "-buildmode", "-mod",
		"-modfile", "-overlay", "-pkgdir", "-toolexec",
	}

	for _, vf := range valueFlags {
		if flag == vf {
			return true
		}
	}
	return false
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" || a == "-help" {
			return true
		}
	}
	return false
}

// workspace represents a temporary workspace for instrumented code.
type workspace struct {
	// Root directory of workspace (holds go.mod)
	dir string

	// Source directory (where instrumented .go files go)
	srcDir string
}

func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "cygprof-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create src directory: %w", err)
	}

	return &workspace{dir: dir, srcDir: srcDir}, nil
}

func (w *workspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir)
	}
}

// setupRuntimeLinking writes the workspace go.mod and resolves dependencies.
//
// With mirror set the workspace holds a copy of the project tree in srcDir,
// which becomes the module root and keeps the project's module path.
// Otherwise the flattened sources in srcDir belong to a module rooted at dir.
func (w *workspace) setupRuntimeLinking(sourceDir string, mirror bool) error {
	modDir := w.dir
	overlay := runtime.ModFileOverlay
	if mirror {
		modDir = w.srcDir
		overlay = runtime.ModFileMirror
	}

	if _, err := overlay(modDir, sourceDir); err != nil {
		return err
	}

	tidy := exec.Command("go", "mod", "tidy")
	tidy.Dir = modDir
	tidy.Stdout = os.Stdout
	tidy.Stderr = os.Stderr
	if err := tidy.Run(); err != nil {
		return fmt.Errorf("failed to tidy go.mod: %w", err)
	}
	return nil
}

// build runs 'go build' on the instrumented code in the workspace.
func (w *workspace) build(config *buildConfig) error {
	args := []string{"build"}

	if config.outputFile != "" {
		outputPath := config.outputFile
		if !filepath.IsAbs(outputPath) {
			outputPath = filepath.Join(config.workDir, outputPath)
		}
		args = append(args, "-o", outputPath)
	}

	args = append(args, config.buildFlags...)
	args = append(args, ".")

	cmd := exec.Command("go", args...)
	cmd.Dir = w.srcDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// instrumentSources instruments all source files into the workspace and
// returns the directory of the first source (used to find the project go.mod).
func instrumentSources(config *buildConfig, ws *workspace, out io.Writer) (string, error) {
	goFiles, err := collectGoFiles(config.sourceFiles, config.workDir)
	if err != nil {
		return "", fmt.Errorf("failed to collect source files: %w", err)
	}

	if len(goFiles) == 0 {
		return "", fmt.Errorf("no Go source files found")
	}

	var total instrument.InstrumentStats
	for _, srcPath := range goFiles {
		result, err := instrument.InstrumentFileWith(srcPath, nil, config.instrument)
		if err != nil {
			return "", err
		}

		// Flattened: all sources form one package in the workspace.
		outPath := filepath.Join(ws.srcDir, filepath.Base(srcPath))
		if err := os.WriteFile(outPath, []byte(result.Code), 0o644); err != nil {
			return "", fmt.Errorf("failed to write instrumented file %s: %w", outPath, err)
		}

		if config.verbose {
			s := result.Stats
			fmt.Fprintf(out, "Instrumented: %s -> %s\n", srcPath, outPath)
			fmt.Fprintf(out, "  - %d functions, %d closures\n", s.FunctionsInstrumented, s.ClosuresInstrumented)
			if s.TotalSkipped() > 0 {
				fmt.Fprintf(out, "  - %d skipped (%d notrace, %d already instrumented, %d without body)\n",
					s.TotalSkipped(), s.NoTraceSkipped, s.AlreadyInstrumented, s.BodylessSkipped)
			}
			if s.MainInjected {
				fmt.Fprintln(out, "  - Init/Fini injected into main")
			}
			if s.Generated {
				fmt.Fprintln(out, "  - generated file, left untouched")
			}
		}
		total = addStats(total, result.Stats)
	}

	fmt.Fprintf(out, "Instrumented %d files: %d hooks inserted\n", len(goFiles), total.Total())
	return filepath.Dir(goFiles[0]), nil
}

func addStats(a, b instrument.InstrumentStats) instrument.InstrumentStats {
	a.FunctionsInstrumented += b.FunctionsInstrumented
	a.ClosuresInstrumented += b.ClosuresInstrumented
	a.NoTraceSkipped += b.NoTraceSkipped
	a.AlreadyInstrumented += b.AlreadyInstrumented
	a.BodylessSkipped += b.BodylessSkipped
	a.MainInjected = a.MainInjected || b.MainInjected
	a.TestMain = a.TestMain || b.TestMain
	a.TestMainInjected = a.TestMainInjected || b.TestMainInjected
	return a
}

// collectGoFiles finds all non-test .go files from the given sources.
//
// Sources can be:
//   - .go files directly
//   - directories (scans for .go files, not recursive)
func collectGoFiles(sources []string, workDir string) ([]string, error) {
	var goFiles []string

	for _, src := range sources {
		srcPath := src
		if !filepath.IsAbs(srcPath) {
			srcPath = filepath.Join(workDir, src)
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		if !info.IsDir() {
			if strings.HasSuffix(srcPath, ".go") {
				goFiles = append(goFiles, srcPath)
			}
			continue
		}

		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read directory %s: %w", srcPath, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			goFiles = append(goFiles, filepath.Join(srcPath, name))
		}
	}

	return goFiles, nil
}
