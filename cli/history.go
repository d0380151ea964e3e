package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/journal"
)

func newHistoryCommand(rt *runtimeState) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history [message-id]",
		Short: "Show recorded deliveries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rt.load()
			if err != nil {
				return err
			}
			if m.Journal == nil {
				return usageError(errors.New("the journal isn't enabled in the config"))
			}

			j, err := journal.Open(m.Journal)
			if err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			defer j.Close()

			if len(args) == 1 {
				res, err := j.Get(args[0])
				if err != nil {
					return &ExitError{Code: ExitOther, Err: fmt.Errorf("%v: %v", args[0], err)}
				}
				return printJSON(rt.out, res)
			}

			results, err := j.List(limit)
			if err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			if jsonOutput {
				return printJSON(rt.out, results)
			}
			return printHistory(rt.out, results)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many deliveries, 0 for all")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHistory(w io.Writer, results []delivery.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMESSAGE ID\tOUTCOME\tATTEMPTS\tSUBJECT")
	for _, r := range results {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
			r.Started.Local().Format(time.DateTime),
			r.MessageID,
			r.Outcome,
			len(r.Attempts),
			r.Subject,
		)
	}
	return tw.Flush()
}
