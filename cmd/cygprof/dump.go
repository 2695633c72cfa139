package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kolkov/cygprof/internal/cygprof/symbols"
	"github.com/kolkov/cygprof/internal/cygprof/traceformat"
)

var (
	dumpFormat  string
	dumpLimit   int
	dumpSummary bool
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringVarP(&dumpFormat, "format", "f", "text", "Output format (text|json)")
	dumpCmd.Flags().IntVarP(&dumpLimit, "limit", "n", 0, "Print at most n events (0 = all)")
	dumpCmd.Flags().BoolVarP(&dumpSummary, "summary", "s", false, "Print the header and symbol table only")
}

var dumpCmd = &cobra.Command{
	Use:   "dump <trace-file>",
	Short: "Print the contents of a trace file",
	Long: `Decodes a trace file written by an instrumented program and prints its
header, symbol table and events. Timestamps are nanoseconds since the
recording started.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	tr, err := traceformat.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read trace %s: %w", args[0], err)
	}

	if dumpSummary {
		tr.Records = nil
	} else if dumpLimit > 0 && len(tr.Records) > dumpLimit {
		tr.Records = tr.Records[:dumpLimit]
	}

	out := cmd.OutOrStdout()
	switch dumpFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tr)
	case "text":
		return writeText(out, args[0], tr)
	default:
		return fmt.Errorf("unknown format %q (want text or json)", dumpFormat)
	}
}

// writeText renders tr for humans.
func writeText(w io.Writer, path string, tr *traceformat.Trace) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintf(tw, "file:\t%s\n", path)
	fmt.Fprintf(tw, "version:\t%d (%s)\n", tr.Header.Version, tr.Format())
	switch tr.Format() {
	case traceformat.FormatSymbols:
		fmt.Fprintf(tw, "symbols:\t%d\n", tr.Header.SymbolCount)
	case traceformat.FormatAddresses:
		fmt.Fprintf(tw, "base address:\t%s\n", symbols.Hex(tr.Header.Base.Address))
		fmt.Fprintf(tw, "base time:\t%d\n", tr.Header.Base.Stamp)
	}
	fmt.Fprintf(tw, "events:\t%d\n", len(tr.Records))
	if n := len(tr.Records); n > 1 {
		fmt.Fprintf(tw, "span:\t%dns\n", tr.Records[n-1].Stamp-tr.Records[0].Stamp)
	}

	if len(tr.Symbols) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "INDEX\tSYMBOL")
		for i, name := range tr.Symbols {
			fmt.Fprintf(tw, "%d\t%s\n", i, name)
		}
	}

	if len(tr.Records) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TIME\tFUNCTION")
		for _, r := range tr.Records {
			fmt.Fprintf(tw, "%d\t%s\n", r.Stamp, recordName(tr, r))
		}
	}

	return tw.Flush()
}

func recordName(tr *traceformat.Trace, r traceformat.Record) string {
	if tr.Format() == traceformat.FormatAddresses {
		return symbols.Hex(r.Address)
	}
	if name := tr.Name(r); name != "" {
		return name
	}
	return fmt.Sprintf("<bad index %d>", r.Index)
}
