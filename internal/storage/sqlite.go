package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dropbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path, creating the file and schema
// as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnsureGame(ctx context.Context, id, name string) (Game, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO games(id, name, suppressed) VALUES(?,?,1)
		 ON CONFLICT(id) DO NOTHING`,
		id, name,
	)
	if err != nil {
		return Game{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Game{}, false, err
	}
	if n > 0 {
		return Game{ID: id, Name: name, Suppressed: true}, true, nil
	}
	g, err := s.GameByID(ctx, id)
	if err != nil {
		return Game{}, false, err
	}
	return g, false, nil
}

func (s *sqliteStore) RenameGame(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE games SET name = ? WHERE id = ?`, name, id)
	return err
}

func (s *sqliteStore) GameByID(ctx context.Context, id string) (Game, error) {
	var g Game
	var suppressed int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, suppressed FROM games WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &suppressed)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, ErrNotFound
	}
	if err != nil {
		return Game{}, err
	}
	g.Suppressed = suppressed != 0
	return g, nil
}

func (s *sqliteStore) ListGames(ctx context.Context, suppressed bool) ([]Game, error) {
	v := 0
	if suppressed {
		v = 1
	}
	return s.queryGames(ctx, `SELECT id, name, suppressed FROM games WHERE suppressed = ? ORDER BY name`, v)
}

func (s *sqliteStore) AllGames(ctx context.Context) ([]Game, error) {
	return s.queryGames(ctx, `SELECT id, name, suppressed FROM games ORDER BY name`)
}

func (s *sqliteStore) queryGames(ctx context.Context, q string, args ...any) ([]Game, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Game
	for rows.Next() {
		var g Game
		var suppressed int
		if err := rows.Scan(&g.ID, &g.Name, &suppressed); err != nil {
			return nil, err
		}
		g.Suppressed = suppressed != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetSuppressed(ctx context.Context, id string, suppressed bool) error {
	v := 0
	if suppressed {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE games SET suppressed = ? WHERE id = ?`, v, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) InsertCampaign(ctx context.Context, c Campaign) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, game_id, name, start_at, end_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.GameID, c.Name, c.StartAt.UnixMilli(), c.EndAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CampaignsByGame(ctx context.Context, gameID string) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, name, start_at, end_at FROM campaigns WHERE game_id = ? ORDER BY start_at, id`,
		gameID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var startMS, endMS int64
		if err := rows.Scan(&c.ID, &c.GameID, &c.Name, &startMS, &endMS); err != nil {
			return nil, err
		}
		c.StartAt = time.UnixMilli(startMS).UTC()
		c.EndAt = time.UnixMilli(endMS).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeCampaigns(ctx context.Context, gameID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE game_id = ?`, gameID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
