package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

var outboxCommand = &cli.Command{
	Name:   "outbox",
	Usage:  "List messages waiting to be sent",
	Action: cmdOutbox,
}

func cmdOutbox(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	d, err := setup(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	if d.pg == nil {
		return errors.New("no outbox configured, set CHATSYNC_POSTGRES_DSN")
	}

	msgs, err := d.pg.List(ctx.Context)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tCONVERSATION\tSTATUS\tATTEMPTS\tCREATED")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.LocalID, m.ConversationID, m.Status, m.Attempts, m.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
