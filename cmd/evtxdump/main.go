// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command evtxdump is a reference driver over the evtx package: it
// parses a .evtx file and renders its records as XML, JSON, or a
// tabular summary, per spec §6.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	evtx "github.com/axolmain/evtx-parser-sub002"
	"github.com/axolmain/evtx-parser-sub002/wevt"
)

var (
	threads         int
	outputMode      string
	recordID        uint64
	firstN          int
	lastN           int
	filterProvider  string
	filterEventID   int
	filterLevel     int
	noColor         bool
	manifestDirFlag string
)

func prettyPrint(v interface{}) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf, "", "\t"); err != nil {
		return string(buf)
	}
	return pretty.String()
}

func matchesFilters(rec *evtx.ParsedEventRecord) bool {
	if recordID != 0 && rec.RecordID != recordID {
		return false
	}
	if filterProvider != "" && !strings.EqualFold(rec.Provider, filterProvider) {
		return false
	}
	if filterEventID != 0 && rec.EventID != filterEventID {
		return false
	}
	if filterLevel != 0 && rec.Level != filterLevel {
		return false
	}
	return true
}

func selectRecords(records []*evtx.ParsedEventRecord) []*evtx.ParsedEventRecord {
	var out []*evtx.ParsedEventRecord
	for _, r := range records {
		if matchesFilters(r) {
			out = append(out, r)
		}
	}
	if firstN > 0 && len(out) > firstN {
		out = out[:firstN]
	}
	if lastN > 0 && len(out) > lastN {
		out = out[len(out)-lastN:]
	}
	return out
}

func runDump(cmd *cobra.Command, args []string) error {
	path := args[0]

	cache := evtx.NewTemplateCache()
	if manifestDirFlag != "" {
		if _, err := wevt.LoadDir(manifestDirFlag, cache); err != nil {
			fmt.Fprintf(os.Stderr, "evtxdump: manifest preload warning: %v\n", err)
		}
	}

	f, err := evtx.New(path, &evtx.Options{Threads: threads, Cache: cache})
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Parse(context.Background()); err != nil {
		return err
	}

	records := selectRecords(f.Records)

	switch outputMode {
	case "json":
		fmt.Println(prettyPrint(records))
	case "xml":
		for _, r := range records {
			fmt.Println(r.RenderXML())
		}
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RECORD\tEVENTID\tLEVEL\tPROVIDER\tTIME\tCHANNEL")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
				r.RecordID, r.EventID, r.Level, r.Provider, r.TimeStamp, r.Channel)
		}
		w.Flush()
	default:
		fmt.Printf("parsed %d records (%d total in file)\n", len(records), len(f.Records))
		fmt.Printf("templates: %d definitions, %d references, %d missing, %d parse errors, %d chunks skipped\n",
			f.Stats.DefinitionCount, f.Stats.ReferenceCount, f.Stats.MissingReferences,
			f.Stats.ParseErrors, f.Stats.ChunksSkipped)
	}

	if f.Stats.ParseErrors > 0 {
		os.Exit(2)
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "evtxdump",
		Short: "A Windows Event Log (.evtx) parser",
		Long:  "Parses EVTX files into structured events, per-chunk in parallel.",
	}

	dumpCmd := &cobra.Command{
		Use:   "dump [file]",
		Short: "Parse and print the records in an EVTX file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDump,
	}
	dumpCmd.Flags().IntVarP(&threads, "threads", "t", 0, "worker count (0 = all cores)")
	dumpCmd.Flags().StringVarP(&outputMode, "output", "o", "summary", "output mode: summary, json, xml, table")
	dumpCmd.Flags().Uint64Var(&recordID, "record-id", 0, "only show this record id")
	dumpCmd.Flags().IntVar(&firstN, "first", 0, "only show the first N matching records")
	dumpCmd.Flags().IntVar(&lastN, "last", 0, "only show the last N matching records")
	dumpCmd.Flags().StringVar(&filterProvider, "filter-provider", "", "only show records from this provider")
	dumpCmd.Flags().IntVar(&filterEventID, "filter-event-id", 0, "only show records with this event id")
	dumpCmd.Flags().IntVar(&filterLevel, "filter-level", 0, "only show records at this level")
	dumpCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	dumpCmd.Flags().StringVar(&manifestDirFlag, "manifest-dir", "", "preload WEVT_TEMPLATE manifests from PE files in this directory")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("evtxdump version 0.1.0")
		},
	}

	rootCmd.AddCommand(dumpCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
