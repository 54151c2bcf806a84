package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/brindille/lang/numscan"
	"github.com/mna/mainer"
)

func (c *Cmd) Hex(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return HexStrings(ctx, stdio, args...)
}

// HexStrings prints each input along with the exact value of its
// hexadecimal prefix.
func HexStrings(ctx context.Context, stdio mainer.Stdio, inputs ...string) error {
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}
		fmt.Fprintf(stdio.Stdout, "%q => %s\n", in, numscan.ParseHexPrefixBig(in))
	}
	return nil
}
