package main

import (
	"fmt"

	"github.com/spf13/cobra"

	deltasync "github.com/joohw/deltasync-go"
)

// newStatusCmd prints the local store's stores and version high-water mark.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			adapter, err := openAdapter(cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}

			engine, err := deltasync.New(cmd.Context(), adapter, deltasync.Options{Logger: cc.Logger})
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "driver:  %s\n", cc.Cfg.Local.Driver)
			fmt.Fprintf(out, "version: %d\n", engine.Version())

			stores := engine.Stores()
			if len(stores) == 0 {
				fmt.Fprintln(out, "stores:  none")
				return nil
			}

			fmt.Fprintln(out, "stores:")

			for _, store := range stores {
				fmt.Fprintf(out, "  %-20s %d items\n", store, engine.StoreSize(store))
			}

			return nil
		},
	}
}
