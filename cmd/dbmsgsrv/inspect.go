package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/dbmsg/wal"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var quiet bool
	c := &cobra.Command{
		Use:     "inspect <file.dbq>",
		Short:   "Print the frames of an overflow file",
		Example: "dbmsgsrv inspect ./overflow/edge.dbq",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return runInspect(f, cmd.OutOrStdout(), quiet)
		},
	}
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	return c
}

// runInspect prints every frame and a summary. A torn tail is reported but
// is not an error; the server truncates it on the next start.
func runInspect(r io.Reader, w io.Writer, quiet bool) error {
	fr := wal.NewFrameReader(r)
	var frames, bytes int64
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			fmt.Fprintf(w, "torn frame at offset %d\n", frame.Offset)
			break
		}
		if err != nil {
			return err
		}
		frames++
		bytes += frame.Size()
		if !quiet {
			fmt.Fprintf(w, "%10d %6d %s\n", frame.Offset, len(frame.Statement), frame.Statement)
		}
	}
	fmt.Fprintf(w, "%s in %s\n", humanize.Comma(frames)+" frames", humanize.Bytes(uint64(bytes)))
	return nil
}
