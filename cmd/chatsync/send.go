package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/upload"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Upload attachments and send one message",
	ArgsUsage: "TEXT",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "conversation",
			Aliases:  []string{"c"},
			Usage:    "Conversation to send to",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "reply-to",
			Usage: "Id of the message to reply to",
		},
		&cli.StringSliceFlag{
			Name:    "attach",
			Aliases: []string{"a"},
			Usage:   "File to attach, may be repeated",
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	d, err := setup(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	tracker := upload.New(upload.Config{
		Uploader:    d.client,
		Logger:      d.logger,
		Metrics:     d.metrics,
		Concurrency: cfg.Session.Uploads,
		OnChange: func(it upload.Item) {
			d.logger.Info("Upload", "name", it.Name, "state", it.State, "progress", it.Progress)
		},
	})
	for _, path := range ctx.StringSlice("attach") {
		if _, err := tracker.AddFile(path); err != nil {
			return fmt.Errorf("attach %s: %w", path, err)
		}
	}
	if err := tracker.UploadAll(ctx.Context); err != nil {
		return fmt.Errorf("upload attachments: %w", err)
	}

	// One-shot sends go straight to the backend without a push stream.
	d.session.SetOnline(true)
	m, err := d.session.Send(ctx.Context, chat.Draft{
		ConversationID: ctx.String("conversation"),
		Content:        ctx.Args().First(),
		ReplyToID:      ctx.String("reply-to"),
	}, tracker)
	if err != nil {
		return err
	}
	d.session.Wait()

	sent, ok := d.store.Message(m.LocalID)
	if !ok {
		return fmt.Errorf("message %s: %w", m.LocalID, chat.ErrNotFound)
	}
	if sent.Status == chat.StatusFailed {
		sent, err = d.session.Retry(ctx.Context, sent.ID)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(ctx.App.Writer, "%s\t%s\t%s\n", sent.ID, sent.Status, sent.CreatedAt.Format(time.RFC3339))
	return nil
}
