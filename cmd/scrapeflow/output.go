package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/scrape-flow/pipeline"
)

type report struct {
	Runs    []*pipeline.Result `json:"runs"`
	Summary summary            `json:"summary"`
}

type summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Rows   int `json:"rows"`
}

func summarize(results []*pipeline.Result) summary {
	s := summary{Total: len(results)}
	for _, r := range results {
		if r.OK() {
			s.Passed++
		} else {
			s.Failed++
		}
		for _, t := range r.Targets {
			s.Rows += t.Rows
		}
	}
	return s
}

func renderJSON(w io.Writer, results []*pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report{Runs: results, Summary: summarize(results)})
}

func renderPretty(w io.Writer, results []*pipeline.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		mark := "PASS"
		if !r.OK() {
			mark = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, r.Pipeline, r.Status, r.Duration().Round(time.Millisecond))
		if r.Error != "" {
			where := ""
			if r.FailedIndex != nil {
				where = fmt.Sprintf("action %d (%s): ", *r.FailedIndex, r.FailedKind)
				if *r.FailedIndex < 0 {
					where = "navigation: "
				}
			}
			fmt.Fprintf(tw, "\t%s%s: %s\n", where, r.ErrorKind, r.Error)
		}
		for _, t := range r.Targets {
			if t.Error != "" {
				fmt.Fprintf(tw, "\t%s\t%s: %s\n", t.Target, t.ErrorKind, t.Error)
				continue
			}
			fmt.Fprintf(tw, "\t%s\t%s (%d rows)\n", t.Target, t.Destination, t.Rows)
		}
	}
	s := summarize(results)
	fmt.Fprintf(tw, "\n%d runs, %d passed, %d failed, %d rows written\n", s.Total, s.Passed, s.Failed, s.Rows)
	return tw.Flush()
}
