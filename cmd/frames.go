package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dfir-tools/walscope/internal/wal"
)

var framesAll bool

func init() {
	framesCmd.Flags().BoolVarP(&framesAll, "all", "a", false,
		"Include frames that failed checksum validation")
	rootCmd.AddCommand(framesCmd)
}

var framesCmd = &cobra.Command{
	Use:   "frames [database]",
	Short: "List WAL frames with classification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }() // safe to ignore

		if !s.HasWAL() {
			return fmt.Errorf("no wal file for %s", s.Path)
		}

		cls := s.Reconciler().Classify()
		fmt.Printf("%-6s %-8s %-10s %-18s %-18s %-6s %-12s %s\n",
			"frame", "page", "commit", "salts", "checksums", "group", "status", "page type")
		for i := range s.Wal.Frames {
			f := &s.Wal.Frames[i]
			sums := fmt.Sprintf("%08x/%08x", f.Checksum1, f.Checksum2)
			if !f.ChecksumOK {
				if framesAll {
					fmt.Printf("%-6d %-8d %-10s %08x/%08x %-18s %-6s %-12s %s\n",
						f.Index, f.PageNumber, "-", f.Salt1, f.Salt2, sums, "-", "invalid", wal.PageTypeLabel(f.PageType))
				}
				continue
			}
			commit := "-"
			if f.IsCommit() {
				commit = fmt.Sprintf("%d pages", f.CommitSize)
			}
			status, _ := cls.Status(i)
			fmt.Printf("%-6d %-8d %-10s %08x/%08x %-18s %-6d %-12s %s\n",
				f.Index, f.PageNumber, commit, f.Salt1, f.Salt2, sums,
				cls.FrameGroup[i], status, wal.PageTypeLabel(f.PageType))
		}

		fmt.Printf("\n%d transaction groups:\n", len(cls.Groups))
		for gi, g := range cls.Groups {
			state := "uncommitted"
			if g.Committed {
				state = fmt.Sprintf("committed, %d pages", g.CommitSize)
			}
			fmt.Printf("  group %d: %d frames, salts %08x/%08x, %s, %s\n",
				gi, len(g.Frames), g.Salt1, g.Salt2, state, cls.GroupStatus[gi])
		}
		return nil
	},
}
