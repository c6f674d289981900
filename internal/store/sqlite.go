package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/packrent/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// notificationRow is the archived form of a model.Notification.
type notificationRow struct {
	ReceiverID string       `db:"receiver_id"`
	ID         string       `db:"id"`
	Position   int          `db:"position"`
	Title      string       `db:"title"`
	Message    string       `db:"message"`
	IsRead     int          `db:"is_read"`
	CreatedAt  sql.NullTime `db:"created_at"`
	UpdatedAt  sql.NullTime `db:"updated_at"`
	Data       string       `db:"data"`
	SavedAt    sql.NullTime `db:"saved_at"`
}

// SaveNotifications replaces the archived list for receiverID in a single
// transaction. Position records the list order.
func (s *SQLiteStore) SaveNotifications(
	ctx context.Context,
	receiverID string,
	list []model.Notification,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE receiver_id = ?", receiverID); err != nil {
		return fmt.Errorf("clearing archive for %s: %w", receiverID, err)
	}

	const query = `
		INSERT OR REPLACE INTO notifications (
			receiver_id, id, position,
			title, message, is_read,
			created_at, updated_at, data, saved_at
		) VALUES (
			:receiver_id, :id, :position,
			:title, :message, :is_read,
			:created_at, :updated_at, :data, :saved_at
		)`

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, n := range list {
		row, err := toRow(receiverID, i, n)
		if err != nil {
			return err
		}
		row.SavedAt = sql.NullTime{Time: now, Valid: true}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("archiving notification %s: %w", n.ID, err)
		}
	}

	return tx.Commit()
}

// LoadNotifications returns the archived list for receiverID in saved order.
func (s *SQLiteStore) LoadNotifications(
	ctx context.Context,
	receiverID string,
) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM notifications WHERE receiver_id = ? ORDER BY position",
		receiverID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying archive for %s: %w", receiverID, err)
	}

	list := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, nil
}

// DeleteNotifications removes the archived list for receiverID.
func (s *SQLiteStore) DeleteNotifications(ctx context.Context, receiverID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE receiver_id = ?", receiverID)
	if err != nil {
		return fmt.Errorf("deleting archive for %s: %w", receiverID, err)
	}
	return nil
}

// CountUnread counts the unread archived entries for receiverID.
func (s *SQLiteStore) CountUnread(ctx context.Context, receiverID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE receiver_id = ? AND is_read = 0",
		receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("counting unread for %s: %w", receiverID, err)
	}
	return n, nil
}

func toRow(receiverID string, position int, n model.Notification) (notificationRow, error) {
	row := notificationRow{
		ReceiverID: receiverID,
		ID:         n.ID,
		Position:   position,
		Title:      n.Title,
		Message:    n.Message,
		IsRead:     boolToInt(n.IsRead),
		CreatedAt:  nullTime(n.CreatedAt),
		UpdatedAt:  nullTime(n.UpdatedAt),
	}
	if len(n.Data) > 0 {
		data, err := json.Marshal(n.Data)
		if err != nil {
			return notificationRow{}, fmt.Errorf("marshaling data for notification %s: %w", n.ID, err)
		}
		row.Data = string(data)
	}
	return row, nil
}

func fromRow(r notificationRow) (model.Notification, error) {
	n := model.Notification{
		ID:      r.ID,
		Title:   r.Title,
		Message: r.Message,
		IsRead:  r.IsRead != 0,
	}
	if r.CreatedAt.Valid {
		n.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		n.UpdatedAt = r.UpdatedAt.Time
	}
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &n.Data); err != nil {
			return model.Notification{}, fmt.Errorf("unmarshaling data for notification %s: %w", r.ID, err)
		}
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
