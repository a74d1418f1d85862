package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dfir-tools/walscope/api"
)

var (
	searchMode     string
	searchTables   []string
	searchLimit    int
	searchDeepBlob bool
	searchWAL      bool
)

func init() {
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "ci",
		"Match mode: ci, cs, exact, starts, ends, regex, blob, column")
	searchCmd.Flags().StringSliceVarP(&searchTables, "tables", "t", nil,
		"Restrict the scan to these tables (default: all)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0,
		"Stop after this many hits (0 = unlimited)")
	searchCmd.Flags().BoolVar(&searchDeepBlob, "deep-blob", false,
		"Scan declared BLOB columns too")
	searchCmd.Flags().BoolVarP(&searchWAL, "wal", "w", false,
		"Also scan rows recovered from the WAL")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search [database] [pattern]",
	Short: "Search every table for a pattern",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := api.ParseSearchMode(searchMode)
		if err != nil {
			return err
		}

		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }() // safe to ignore

		// Ctrl-C cancels cooperatively; partial results stay valid.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		opts := api.SearchOptions{
			Pattern:  args[1],
			Mode:     mode,
			Tables:   searchTables,
			Limit:    searchLimit,
			DeepBlob: searchDeepBlob,
		}
		sub := &printSearchSub{done: make(chan struct{})}
		if err := s.Search(ctx, opts, searchWAL, sub); err != nil {
			return err
		}
		<-sub.done
		if sub.cancelled {
			fmt.Printf("\ncancelled after %d hits\n", sub.hits)
			return nil
		}
		fmt.Printf("\n%d hits across %d tables\n", sub.hits, sub.tables)
		return nil
	},
}

// printSearchSub streams hits to stdout as they arrive.
type printSearchSub struct {
	hits      int
	tables    int
	cancelled bool
	done      chan struct{}
}

func (p *printSearchSub) OnHit(h api.SearchHit) {
	p.hits++
	loc := h.Table
	if h.RowID >= 0 {
		loc = fmt.Sprintf("%s rowid=%d", h.Table, h.RowID)
	}
	if h.Source == api.SourceWAL {
		fmt.Printf("[wal %s frame=%d] %s.%s: %s\n", h.Status, h.FrameIndex, loc, h.Column, h.Value)
		return
	}
	fmt.Printf("%s.%s: %s\n", loc, h.Column, h.Value)
}

func (p *printSearchSub) OnTableDone(table string, found int) {
	p.tables++
	if verbose {
		fmt.Fprintf(os.Stderr, "scanned %s: %d hits\n", table, found)
	}
}

func (p *printSearchSub) OnComplete()  { close(p.done) }
func (p *printSearchSub) OnCancelled() { p.cancelled = true; close(p.done) }

func (p *printSearchSub) OnError(table string, err error) {
	fmt.Fprintf(os.Stderr, "skipping %s: %v\n", table, err)
}
