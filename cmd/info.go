package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dfir-tools/walscope/internal/catalog"
)

var infoIntegrity bool

func init() {
	infoCmd.Flags().BoolVar(&infoIntegrity, "integrity", false, "Run PRAGMA quick_check")
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info [database]",
	Short: "Show database and WAL file overview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }() // safe to ignore

		st, err := os.Stat(s.Path)
		if err != nil {
			return err
		}
		fmt.Printf("database: %s (%s)\n", s.Path, humanize.Bytes(uint64(st.Size())))

		meta := catalog.Meta(s.DB())
		for _, k := range sortedKeys(meta) {
			fmt.Printf("  %-16s %s\n", k, meta[k])
		}
		fmt.Printf("  %-16s %d\n", "tables", len(s.Catalog.Tables))

		if infoIntegrity {
			fmt.Printf("  %-16s %s\n", "quick_check", catalog.Integrity(s.DB()))
		}

		if !s.HasWAL() {
			fmt.Println("\nwal: none")
			return nil
		}

		sum := s.Wal.Summarize()
		fmt.Printf("\nwal: %s (%s, backup of %s)\n",
			s.Wal.Path(), humanize.Bytes(uint64(sum.FileSize)), humanize.Bytes(uint64(s.WalOriginalSize)))
		fmt.Printf("  %-16s %d\n", "page_size", sum.PageSize)
		fmt.Printf("  %-16s %d\n", "checkpoint_seq", sum.CheckpointSeq)
		fmt.Printf("  %-16s %08x %08x\n", "salts", sum.Salt1, sum.Salt2)
		fmt.Printf("  %-16s %d (%d valid, %d commits)\n", "frames", sum.TotalFrames, sum.ValidFrames, sum.CommitFrames)
		fmt.Printf("  %-16s %d\n", "unique_pages", sum.UniquePages)
		for _, k := range sortedKeys(sum.PageTypes) {
			fmt.Printf("    %-14s %d\n", k, sum.PageTypes[k])
		}
		for _, t := range s.WalOnlyTables() {
			fmt.Printf("  wal-only table: %s\n", t.Name)
		}
		return nil
	},
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
