package main

import (
	"context"
	"fmt"
	"os"

	"github.com/injadlu/dama/dama-go/align"
	"github.com/injadlu/dama/dama-go/tokenize"
	"github.com/injadlu/dama/dama-golib/cmdline"
)

var alignCmd = cmdline.Command{
	Name:     "align",
	Synopsis: "show the modified tokens between a rejected and a chosen response",
	Args:     &alignArgs{MinMatch: align.DefaultMinMatchSize},
}

type alignArgs struct {
	Rejected string `arg:"positional,required"`
	Chosen   string `arg:"positional,required"`
	MinMatch int    `arg:"--min-match" help:"shortest run of equal tokens kept as a match"`
}

func (args *alignArgs) Handle(ctx context.Context) error {
	voc := tokenize.BuildVocab([]string{args.Rejected, args.Chosen}, 1)
	rejected, chosen := voc.Encode(args.Rejected), voc.Encode(args.Chosen)

	spans := align.Align(rejected, chosen, args.MinMatch)
	fmt.Fprintln(os.Stdout, align.Render(rejected, chosen, spans, voc.Decode))

	idsRejected, idsChosen := align.DiffTokenIDs(spans)
	fmt.Fprintf(os.Stdout, "modified rejected positions: %v\n", idsRejected)
	fmt.Fprintf(os.Stdout, "modified chosen positions:   %v\n", idsChosen)
	return nil
}
