// Command aspects prints the bucket table for a training resolution range.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tsawler/go-finetune/catalog"
)

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("aspects", flag.ContinueOnError)
	fs.SetOutput(w)
	start := fs.Int("start", 512, "Smallest square training dimension.")
	end := fs.Int("end", 1024, "Largest square training dimension.")
	step := fs.Int("step", catalog.AspectStep, "Dimension increment.")
	maxAspect := fs.Float64("max-aspect", catalog.MaxAspectRatio, "Largest width/height ratio in either orientation.")
	out := fs.String("out", "", "Write the table to this file instead of stdout.")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if *start <= *step || *end < *start || *step <= 0 {
		return fmt.Errorf("invalid range %d..%d step %d", *start, *end, *step)
	}

	table := catalog.CompatibleSizes(*start, *end, *step, *maxAspect)
	if *out == "" {
		_, err := table.WriteTo(w)
		return err
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if _, err := table.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
