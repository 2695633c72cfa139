package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

// runCmd builds an instrumented binary to a temporary location and executes
// it, forwarding stdio and the exit status. The trace file is written by the
// program itself, in the current directory unless CYGPROF_FILENAME says
// otherwise.
var runCmd = &cobra.Command{
	Use:   "run [build flags] file.go... [arguments...]",
	Short: "Run a Go program with function tracing",
	Example: `  cygprof run main.go
  cygprof run main.go arg1 arg2
  CYGPROF_FILENAME=/tmp/t.dat cygprof run main.go`,
	DisableFlagParsing: true,
	RunE:               runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		return cmd.Help()
	}

	config, programArgs, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	binary, err := buildTemporary(config, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(binary) }()

	if code := executeBinary(binary, programArgs); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// parseRunArgs separates source files from program arguments.
//
// Supported form:
//
//	cygprof run [flags] file1.go file2.go [arguments...]
//
// Flags come before source files. Everything after the first non-.go argument
// following a source file is passed to the program.
func parseRunArgs(args []string) (*buildConfig, []string, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no source files specified")
	}

	config := &buildConfig{}
	var programArgs []string

	sawGoFile := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if sawGoFile && filepath.Ext(arg) != ".go" {
			programArgs = append(programArgs, args[i:]...)
			break
		}

		switch {
		case filepath.Ext(arg) == ".go":
			config.sourceFiles = append(config.sourceFiles, arg)
			sawGoFile = true
		case arg == "-v":
			config.verbose = true
		case arg == "-closures" || arg == "--closures":
			config.instrument.Closures = true
		case arg == "-o":
			return nil, nil, fmt.Errorf("-o is not supported by run; use build")
		default:
			config.buildFlags = append(config.buildFlags, arg)
			if needsValue(arg) && i+1 < len(args) {
				i++
				config.buildFlags = append(config.buildFlags, args[i])
			}
		}
	}

	if len(config.sourceFiles) == 0 {
		return nil, nil, fmt.Errorf("no Go source files specified")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	return config, programArgs, nil
}

// buildTemporary builds the instrumented code to a unique temporary binary
// and returns its path. The caller removes it.
func buildTemporary(config *buildConfig, out io.Writer) (string, error) {
	tmp, err := os.CreateTemp("", "cygprof-run-*.exe")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	config.outputFile = path
	if err := build(config, out); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// executeBinary runs binaryPath with args, forwarding stdio, and returns its
// exit status.
func executeBinary(binaryPath string, args []string) int {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 when killed by a signal.
			if code := exitErr.ExitCode(); code > 0 {
				return code
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error executing binary: %v\n", err)
		return 1
	}
	return 0
}
