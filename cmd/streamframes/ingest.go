package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"streamframes/internal/app"
	"streamframes/internal/stream"
)

const ingestBatch = 500

func newIngestCommand(cfgPath *string) *cobra.Command {
	var file string

	command := &cobra.Command{
		Use:   "ingest <stream>",
		Short: "Append JSON records to a stream",
		Long: "Reads one JSON object per record, {\"time\": RFC3339, \"value\": float, \"body\": base64},\n" +
			"from --file or stdin. Records may be out of order.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				st, err := a.Stream(args[0])
				if err != nil {
					return err
				}
				n, err := ingest(ctx, st, in)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records appended\n", args[0], n)
				return err
			})
		},
	}
	command.Flags().StringVarP(&file, "file", "f", "", "read records from file instead of stdin")
	return command
}

func ingest(ctx context.Context, dst stream.Appender, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	batch := make([]stream.Record, 0, ingestBatch)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := dst.Append(ctx, batch...); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	for line := 1; ; line++ {
		var rec stream.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && rec.Time.IsZero() {
			err = errors.New("time is required")
		}
		if err != nil {
			// keep what was read before the bad record
			if ferr := flush(); ferr != nil {
				return total, ferr
			}
			return total, fmt.Errorf("record %d: %w", line, err)
		}
		batch = append(batch, rec)
		if len(batch) == ingestBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}
