package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/wordle-multi/internal/models"
)

// InsertLobbyEvents persists a batch of activity records in one transaction.
// Records for lobbies that no longer exist are kept; lobby_events has no foreign key.
func InsertLobbyEvents(ctx context.Context, pool *pgxpool.Pool, records []models.LobbyEventRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		q := `
		INSERT INTO lobby_events (lobby_id, event, actor_id, recipients, payload, occurred_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6)
		`
		for _, rec := range records {
			var payload []byte
			if len(rec.Payload) > 0 {
				payload = rec.Payload
			}
			batch.Queue(q, rec.LobbyID, rec.Event, rec.ActorID, rec.Recipients, payload, rec.Timestamp)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range records {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert lobby event %d: %w", i, err)
			}
		}
		return br.Close()
	})
}
