package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(schemaCmd)
}

var schemaCmd = &cobra.Command{
	Use:   "schema [database]",
	Short: "List tables, columns, and indexes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }() // safe to ignore

		var stats map[string]int
		if s.HasWAL() {
			stats = make(map[string]int)
			for name, sum := range s.Reconciler().TableStats() {
				stats[name] = sum.Saved + sum.Unsaved + sum.Overwritten
			}
		}

		for _, name := range s.Catalog.TableNames() {
			t, _ := s.Catalog.Table(name)
			rows := "?"
			if t.RowCount >= 0 {
				rows = fmt.Sprintf("%d", t.RowCount)
			}
			fmt.Printf("%s (%s rows", name, rows)
			if n, ok := stats[name]; ok && n > 0 {
				fmt.Printf(", %d wal cells", n)
			}
			fmt.Println(")")
			for _, c := range t.Columns {
				flags := ""
				if c.IsRowidAlias {
					flags = " [rowid alias]"
				} else if c.NotNull {
					flags = " NOT NULL"
				}
				fmt.Printf("  %-24s %s%s\n", c.Name, c.DeclType, flags)
			}
			for _, ix := range t.Indexes {
				uniq := ""
				if ix.Unique {
					uniq = "unique "
				}
				fmt.Printf("  %sindex %s (%s)\n", uniq, ix.Name, strings.Join(ix.Columns, ", "))
			}
			for _, fk := range t.ForeignKeys {
				fmt.Printf("  fk %s -> %s(%s)\n", fk.Column, fk.RefTable, fk.RefColumn)
			}
		}

		for _, t := range s.WalOnlyTables() {
			fmt.Printf("%s (wal-only)\n", t.Name)
			if t.CreateSQL != "" {
				fmt.Printf("  %s\n", t.CreateSQL)
			}
		}
		return nil
	},
}
