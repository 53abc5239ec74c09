package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/internal/telemetry"
)

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Print the MCS capacity and sensitivity tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTables(cmd.OutOrStdout())
		},
	}
}

func printTables(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MCS\t20L\t20S\t40L\t40S\t80L\t80S\t160L\t160S\tSENSITIVITY(dBm)")
	for mcs := 0; mcs < core.NumMCS; mcs++ {
		row, err := core.CapacityRow(mcs)
		if err != nil {
			return err
		}
		sens, err := core.Sensitivity(mcs)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d", mcs)
		for _, c := range row {
			fmt.Fprintf(w, "\t%s", telemetry.FormatNumber(c))
		}
		fmt.Fprintf(w, "\t%s\n", telemetry.FormatNumber(sens))
	}
	return w.Flush()
}
