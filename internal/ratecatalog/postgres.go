package ratecatalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
)

// PostgresCatalog builds the prefix-set query dynamically with squirrel
// since the number of candidate prefixes varies with destination length.
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) Lookup(ctx context.Context, destination string) (domain.Rate, error) {
	normalized := Normalize(destination)
	if normalized == "" {
		return domain.Rate{}, billingerr.ErrRateNotFound
	}

	prefixes := Prefixes(normalized)
	now := time.Now().UTC()

	query, args, err := sq.Select(
		"id", "prefix", "name", "per_minute", "increment_seconds", "connection_fee",
		"effective_from", "effective_until", "priority", "created_at",
	).From("rate_cards").
		Where(sq.Eq{"prefix": prefixes}).
		Where(sq.LtOrEq{"effective_from": now}).
		Where(sq.Or{sq.Eq{"effective_until": nil}, sq.Gt{"effective_until": now}}).
		OrderBy("length(prefix) DESC", "priority DESC", "created_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return domain.Rate{}, err
	}

	row := c.db.QueryRowContext(ctx, query, args...)

	var r domain.Rate

	err = row.Scan(&r.ID, &r.Prefix, &r.Name, &r.PerMinute, &r.IncrementSeconds, &r.ConnectionFee,
		&r.EffectiveFrom, &r.EffectiveUntil, &r.Priority, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rate{}, billingerr.ErrRateNotFound
	}

	return r, err
}

// Invalidate is a no-op for the Postgres catalog itself; ratecache is the
// layer that actually holds cached state (spec §4.3).
func (c *PostgresCatalog) Invalidate(ctx context.Context) error { return nil }
