package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/GetStream/chat-sync/chat"
)

// Postgres keeps the outbox of unconfirmed local sends in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Migrate creates the outbox table if it does not exist yet.
func (pg *Postgres) Migrate(ctx context.Context) error {
	_, err := pg.bun.NewCreateTable().
		Model((*outboxMessage)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, err = pg.bun.NewCreateIndex().
		Model((*outboxMessage)(nil)).
		Index("outbox_messages_created_at_idx").
		IfNotExists().
		Column("created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Close closes the database.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Save inserts the message, or updates the stored copy with the same local
// id.
func (pg *Postgres) Save(ctx context.Context, m chat.Message) error {
	row := newOutboxMessage(m)
	_, err := pg.bun.NewInsert().
		Model(row).
		On("CONFLICT (local_id) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("status = EXCLUDED.status").
		Set("attempts = EXCLUDED.attempts").
		Set("correlation_token = EXCLUDED.correlation_token").
		Set("attachments = EXCLUDED.attachments").
		Set("reply_to_id = EXCLUDED.reply_to_id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Remove deletes the message with the given local id. Removing a message
// that is not stored is not an error.
func (pg *Postgres) Remove(ctx context.Context, localID string) error {
	_, err := pg.bun.NewDelete().
		Model((*outboxMessage)(nil)).
		Where("local_id = ?", localID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns every stored message, oldest first.
func (pg *Postgres) List(ctx context.Context) ([]chat.Message, error) {
	var rows []outboxMessage
	err := pg.bun.NewSelect().
		Model(&rows).
		Order("created_at ASC", "local_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.ChatMessage()
		if err != nil {
			return nil, fmt.Errorf("outbox row %s: %w", r.LocalID, err)
		}
		out = append(out, m)
	}
	return out, nil
}
