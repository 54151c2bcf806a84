package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/brindille/internal/threadspec"
	"github.com/mna/mainer"
	"github.com/rs/zerolog"
)

func (c *Cmd) Status(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return StatusScenarios(ctx, stdio, args...)
}

// StatusScenarios runs the named thread status scenarios, or all of them in
// name order if none is provided, and prints the snapshot captured by each.
// Thread transitions are logged to the zerolog logger attached to ctx, if
// any.
func StatusScenarios(ctx context.Context, stdio mainer.Stdio, names ...string) error {
	if len(names) == 0 {
		names = threadspec.StatusNames()
	}

	log := zerolog.Ctx(ctx)
	for _, name := range names {
		fn := threadspec.Statuses[name]
		if fn == nil {
			return printError(stdio, fmt.Errorf("unknown scenario: %s", name))
		}

		scnLog := log.With().Str("scenario", name).Logger()
		snap, err := fn(ctx, &scnLog)
		if err != nil {
			return printError(stdio, fmt.Errorf("%s: %w", name, err))
		}
		fmt.Fprintf(stdio.Stdout, "%s: %s\n", name, snap)
	}
	return nil
}
