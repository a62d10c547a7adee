package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"riskpulse/internal/models"
	"riskpulse/internal/notify"
	"riskpulse/internal/positions"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidThreshold = errors.New("invalid threshold")
)

type Store interface {
	Snapshot(ctx context.Context, userID string) (models.PositionSnapshot, error)
	SaveSnapshot(ctx context.Context, snap models.PositionSnapshot) error
	Thresholds(ctx context.Context, userID string) ([]models.AlertThreshold, error)
	CreateThreshold(ctx context.Context, th models.AlertThreshold) (models.AlertThreshold, error)
	SetThresholdEnabled(ctx context.Context, userID, id string, enabled bool) error
	DeleteThreshold(ctx context.Context, userID, id string) error
	Contact(ctx context.Context, userID string) (notify.Contact, error)
	UpsertContact(ctx context.Context, userID string, c notify.Contact) error
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Snapshot(ctx context.Context, userID string) (models.PositionSnapshot, error) {
	snap := models.PositionSnapshot{UserID: userID}
	row := s.db.QueryRowContext(ctx, `
		SELECT margin_available, margin_used, margin_maintenance, as_of
		FROM portfolios WHERE user_id = ?`, userID)
	err := row.Scan(&snap.Margin.Available, &snap.Margin.Used, &snap.Margin.Maintenance, &snap.AsOf)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PositionSnapshot{}, fmt.Errorf("user %s: %w", userID, positions.ErrNotFound)
	}
	if err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("query portfolio: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, average_cost, current_price, sector, asset_class
		FROM positions WHERE user_id = ? ORDER BY symbol ASC`, userID)
	if err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	snap.Positions = make([]models.Position, 0)
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AverageCost, &p.CurrentPrice, &p.Sector, &p.AssetClass); err != nil {
			return models.PositionSnapshot{}, fmt.Errorf("scan position: %w", err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("iterate positions: %w", err)
	}
	return snap, nil
}

// SaveSnapshot replaces the user's stored positions wholesale.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap models.PositionSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolios(user_id, margin_available, margin_used, margin_maintenance, as_of)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			margin_available = excluded.margin_available,
			margin_used = excluded.margin_used,
			margin_maintenance = excluded.margin_maintenance,
			as_of = excluded.as_of`,
		snap.UserID, snap.Margin.Available, snap.Margin.Used, snap.Margin.Maintenance, snap.AsOf.UTC()); err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, snap.UserID); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, p := range snap.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions(user_id, symbol, quantity, average_cost, current_price, sector, asset_class)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snap.UserID, strings.ToUpper(p.Symbol), p.Quantity, p.AverageCost, p.CurrentPrice, p.Sector, string(p.AssetClass)); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

const thresholdColumns = `id, user_id, portfolio_id, metric_type, threshold, condition, enabled, channels, frequency`

func scanThreshold(scan func(dest ...any) error) (models.AlertThreshold, error) {
	var (
		th        models.AlertThreshold
		enabled   int
		channels  string
		frequency string
	)
	if err := scan(&th.ID, &th.UserID, &th.PortfolioID, &th.MetricType, &th.Threshold, &th.Condition, &enabled, &channels, &frequency); err != nil {
		return models.AlertThreshold{}, err
	}
	th.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(channels), &th.NotificationChannels); err != nil {
		return models.AlertThreshold{}, fmt.Errorf("decode channels for %s: %w", th.ID, err)
	}
	if err := json.Unmarshal([]byte(frequency), &th.Frequency); err != nil {
		return models.AlertThreshold{}, fmt.Errorf("decode frequency for %s: %w", th.ID, err)
	}
	return th, nil
}

func (s *SQLiteStore) Thresholds(ctx context.Context, userID string) ([]models.AlertThreshold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+thresholdColumns+`
		FROM alert_thresholds WHERE user_id = ? ORDER BY rowid ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query thresholds: %w", err)
	}
	defer rows.Close()

	out := make([]models.AlertThreshold, 0)
	for rows.Next() {
		th, err := scanThreshold(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		out = append(out, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thresholds: %w", err)
	}
	return out, nil
}

// CreateThreshold validates and stores th. An empty ID is generated.
func (s *SQLiteStore) CreateThreshold(ctx context.Context, th models.AlertThreshold) (models.AlertThreshold, error) {
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if th.Frequency.Type == "" {
		th.Frequency.Type = models.FrequencyImmediate
	}
	if !th.MetricType.Valid() {
		return models.AlertThreshold{}, fmt.Errorf("%w: unknown metric type %q", ErrInvalidThreshold, th.MetricType)
	}
	if err := th.Validate(); err != nil {
		return models.AlertThreshold{}, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}

	channels, err := json.Marshal(th.NotificationChannels)
	if err != nil {
		return models.AlertThreshold{}, fmt.Errorf("encode channels: %w", err)
	}
	frequency, err := json.Marshal(th.Frequency)
	if err != nil {
		return models.AlertThreshold{}, fmt.Errorf("encode frequency: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_thresholds(`+thresholdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.UserID, th.PortfolioID, string(th.MetricType), th.Threshold, string(th.Condition),
		boolToInt(th.Enabled), string(channels), string(frequency))
	if err != nil {
		return models.AlertThreshold{}, fmt.Errorf("insert threshold: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+thresholdColumns+` FROM alert_thresholds WHERE id = ?`, th.ID)
	out, err := scanThreshold(row.Scan)
	if err != nil {
		return models.AlertThreshold{}, fmt.Errorf("fetch inserted threshold: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetThresholdEnabled(ctx context.Context, userID, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_thresholds SET enabled = ? WHERE id = ? AND user_id = ?`, boolToInt(enabled), id, userID)
	if err != nil {
		return fmt.Errorf("update threshold: %w", err)
	}
	return expectOne(res, "threshold")
}

func (s *SQLiteStore) DeleteThreshold(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_thresholds WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete threshold: %w", err)
	}
	return expectOne(res, "threshold")
}

func (s *SQLiteStore) Contact(ctx context.Context, userID string) (notify.Contact, error) {
	var c notify.Contact
	row := s.db.QueryRowContext(ctx, `SELECT email, phone, push_token FROM contacts WHERE user_id = ?`, userID)
	if err := row.Scan(&c.Email, &c.Phone, &c.PushToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notify.Contact{}, fmt.Errorf("contact for %s: %w", userID, ErrNotFound)
		}
		return notify.Contact{}, fmt.Errorf("query contact: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, userID string, c notify.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts(user_id, email, phone, push_token) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			phone = excluded.phone,
			push_token = excluded.push_token`,
		userID, strings.TrimSpace(c.Email), strings.TrimSpace(c.Phone), strings.TrimSpace(c.PushToken))
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
