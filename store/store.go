// Package store persists user entitlements, leech settings and free-tier
// quota usage in a single SQLite database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	_ "modernc.org/sqlite"

	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/leech"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id        INTEGER PRIMARY KEY,
	banned         INTEGER NOT NULL DEFAULT 0,
	admin          INTEGER NOT NULL DEFAULT 0,
	premium        INTEGER NOT NULL DEFAULT 0,
	premium_expiry INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id    INTEGER PRIMARY KEY,
	topic_id   INTEGER NOT NULL DEFAULT 0,
	split_size INTEGER NOT NULL DEFAULT 0,
	prefix     TEXT    NOT NULL DEFAULT '',
	suffix     TEXT    NOT NULL DEFAULT '',
	caption    TEXT    NOT NULL DEFAULT '',
	thumb_path TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS quota_usage (
	user_id INTEGER NOT NULL,
	day     TEXT    NOT NULL,
	used    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, day)
);
`

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	_ leech.Entitlements = (*Store)(nil)
	_ leech.Settings     = (*Store)(nil)
	_ leech.Quota        = (*Store)(nil)
)

// Open opens (and if necessary creates) the database at path and applies the
// schema. The connection pool is capped at one connection since SQLite
// serializes writers anyway.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if nil != err {
		flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open database: %v", err)).Append(flawP)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); nil != err {
		_ = db.Close()
		flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to apply database schema: %v", err)).Append(flawP)
	}

	return &Store{db: db, logger: logger.With().Str("module", "store").Logger()}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to close database: %v", err)).Append(flawP)
	}
	return nil
}

// Lookup returns the user's entitlement record. Unknown users get the
// zero-valued free tier.
func (s *Store) Lookup(ctx context.Context, ownerID int64) (leech.Entitlement, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT banned, admin, premium, premium_expiry FROM users WHERE user_id = ?`,
		ownerID,
	)

	var (
		banned, admin, premium bool
		expiryUnix             int64
	)
	if err := row.Scan(&banned, &admin, &premium, &expiryUnix); nil != err {
		if errors.Is(err, sql.ErrNoRows) {
			return leech.Entitlement{}, nil
		}
		if errutil.IsContext(ctx) {
			return leech.Entitlement{}, ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return leech.Entitlement{}, flaw.From(fmt.Errorf("failed to query user record: %v", err)).Append(flawP)
	}

	return leech.Entitlement{
		Banned:        banned,
		Admin:         admin,
		Premium:       premium,
		PremiumExpiry: time.Unix(expiryUnix, 0).UTC(),
	}, nil
}

func (s *Store) SetBanned(ctx context.Context, ownerID int64, banned bool) error {
	return s.upsertUser(ctx, ownerID, "banned", banned)
}

func (s *Store) SetAdmin(ctx context.Context, ownerID int64, admin bool) error {
	return s.upsertUser(ctx, ownerID, "admin", admin)
}

// SetPremium grants or revokes premium. A zero expiry revokes.
func (s *Store) SetPremium(ctx context.Context, ownerID int64, expiry time.Time) error {
	premium := !expiry.IsZero()
	var expiryUnix int64
	if premium {
		expiryUnix = expiry.Unix()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (user_id, premium, premium_expiry) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET premium = excluded.premium, premium_expiry = excluded.premium_expiry`,
		ownerID, premium, expiryUnix,
	)
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to update premium record: %v", err)).Append(flawP)
	}
	return nil
}

func (s *Store) upsertUser(ctx context.Context, ownerID int64, column string, value bool) error {
	query := fmt.Sprintf(
		`INSERT INTO users (user_id, %s) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET %s = excluded.%s`,
		column, column, column,
	)
	if _, err := s.db.ExecContext(ctx, query, ownerID, value); nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "column": column, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to update user record: %v", err)).Append(flawP)
	}
	return nil
}

// Get returns the owner's leech settings. Unknown users get defaults.
func (s *Store) Get(ctx context.Context, ownerID int64) (leech.SettingsSnapshot, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT topic_id, split_size, prefix, suffix, caption, thumb_path FROM user_settings WHERE user_id = ?`,
		ownerID,
	)

	var out leech.SettingsSnapshot
	err := row.Scan(&out.TopicID, &out.SplitSize, &out.Prefix, &out.Suffix, &out.Caption, &out.ThumbPath)
	if nil != err {
		if errors.Is(err, sql.ErrNoRows) {
			return leech.SettingsSnapshot{}, nil
		}
		if errutil.IsContext(ctx) {
			return leech.SettingsSnapshot{}, ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return leech.SettingsSnapshot{}, flaw.From(fmt.Errorf("failed to query user settings: %v", err)).Append(flawP)
	}
	return out, nil
}

func (s *Store) SetTopicID(ctx context.Context, ownerID int64, topicID int) error {
	return s.upsertSetting(ctx, ownerID, "topic_id", topicID)
}

func (s *Store) SetSplitSize(ctx context.Context, ownerID int64, size int64) error {
	return s.upsertSetting(ctx, ownerID, "split_size", size)
}

func (s *Store) SetPrefix(ctx context.Context, ownerID int64, prefix string) error {
	return s.upsertSetting(ctx, ownerID, "prefix", prefix)
}

func (s *Store) SetSuffix(ctx context.Context, ownerID int64, suffix string) error {
	return s.upsertSetting(ctx, ownerID, "suffix", suffix)
}

func (s *Store) SetCaption(ctx context.Context, ownerID int64, caption string) error {
	return s.upsertSetting(ctx, ownerID, "caption", caption)
}

func (s *Store) SetThumbPath(ctx context.Context, ownerID int64, path string) error {
	return s.upsertSetting(ctx, ownerID, "thumb_path", path)
}

func (s *Store) upsertSetting(ctx context.Context, ownerID int64, column string, value any) error {
	query := fmt.Sprintf(
		`INSERT INTO user_settings (user_id, %s) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET %s = excluded.%s`,
		column, column, column,
	)
	if _, err := s.db.ExecContext(ctx, query, ownerID, value); nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "column": column, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to update user setting: %v", err)).Append(flawP)
	}
	return nil
}

// Used returns the number of admitted free-tier tasks for the owner on the
// given day.
func (s *Store) Used(ctx context.Context, ownerID int64, day string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT used FROM quota_usage WHERE user_id = ? AND day = ?`,
		ownerID, day,
	)

	var used int
	if err := row.Scan(&used); nil != err {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if errutil.IsContext(ctx) {
			return 0, ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "day": day, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to query quota usage: %v", err)).Append(flawP)
	}
	return used, nil
}

func (s *Store) Consume(ctx context.Context, ownerID int64, day string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO quota_usage (user_id, day, used) VALUES (?, ?, 1)
		 ON CONFLICT (user_id, day) DO UPDATE SET used = used + 1`,
		ownerID, day,
	)
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "day": day, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to record quota usage: %v", err)).Append(flawP)
	}
	return nil
}
