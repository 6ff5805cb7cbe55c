package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/rider-dispatch/internal/models"
)

type dialect struct {
	name        string
	schema      string
	numbered    bool // $1 placeholders instead of ?
	isDuplicate func(error) bool
}

// SQLStore implements OrderStore on database/sql. Postgres and SQLite differ
// only in their dialect.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded schema. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const orderColumns = `id, requester_id, restaurant_id, address, delivery_lat, delivery_lon, items, rider_id, status, rider_distance_m, rider_eta_seconds, version, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, o *models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO orders(`+orderColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		o.ID, o.RequesterID, o.RestaurantID, o.Address, o.Delivery.Lat, o.Delivery.Lon, string(items),
		nullString(o.RiderID), string(o.Status), o.RiderDistanceMeters, o.RiderETASeconds, o.Version,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, o *models.Order) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE orders SET rider_id=?, status=?, rider_distance_m=?, rider_eta_seconds=?, version=?, updated_at=? WHERE id=? AND version=?`),
		nullString(o.RiderID), string(o.Status), o.RiderDistanceMeters, o.RiderETASeconds, o.Version+1, o.UpdatedAt.UTC(), o.ID, o.Version)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+orderColumns+` FROM orders WHERE id=?`), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE status=? ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	out := make([]*models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*models.Order, error) {
	var (
		o       models.Order
		items   string
		riderID sql.NullString
		status  string
		created time.Time
		updated time.Time
	)
	if err := sc.Scan(&o.ID, &o.RequesterID, &o.RestaurantID, &o.Address, &o.Delivery.Lat, &o.Delivery.Lon, &items,
		&riderID, &status, &o.RiderDistanceMeters, &o.RiderETASeconds, &o.Version, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if riderID.Valid {
		id := riderID.String
		o.RiderID = &id
	}
	o.Status = models.Status(status)
	o.CreatedAt = created.UTC()
	o.UpdatedAt = updated.UTC()
	return &o, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
