package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/wordle-multi/internal/models"
)

// GetUsernames resolves display names for the given ids. Ids without a users
// row are filled with the fallback name.
func GetUsernames(ctx context.Context, q querier, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := q.Query(ctx, `SELECT id, username FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query usernames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if names[id] == "" {
			names[id] = models.FallbackUsername(id)
		}
	}
	return names, nil
}

// UpsertUser creates or renames a user row. A zero ID lets the sequence pick one.
func UpsertUser(ctx context.Context, pool *pgxpool.Pool, user *models.User) error {
	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if user.ID == 0 {
			return tx.QueryRow(ctx,
				`INSERT INTO users (username) VALUES ($1) RETURNING id`, user.Username,
			).Scan(&user.ID)
		}
		q := `
		INSERT INTO users (id, username) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		`
		if _, err := tx.Exec(ctx, q, user.ID, user.Username); err != nil {
			return err
		}
		// keep the sequence ahead of explicitly chosen ids
		_, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT max(id) FROM users), 1))`)
		return err
	})
}
