package registry

import (
	"context"
	"database/sql"
	"errors"

	"tokenflow/dispatch-service/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry reads and updates counters and service types in the shared
// database. Staff uniqueness is checked inside the same transaction as the
// assignment so two concurrent assigns cannot both win.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT c.counter_id, c.name, c.is_active, c.assigned_staff_id,
			COALESCE(array_agg(f.service_type_id ORDER BY f.service_type_id) FILTER (WHERE f.service_type_id IS NOT NULL), '{}')
		FROM counters c
		LEFT JOIN counter_filters f ON f.counter_id = c.counter_id
		WHERE c.counter_id = $1
		GROUP BY c.counter_id
	`, counterID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (r *PostgresRegistry) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.counter_id, c.name, c.is_active, c.assigned_staff_id,
			COALESCE(array_agg(f.service_type_id ORDER BY f.service_type_id) FILTER (WHERE f.service_type_id IS NOT NULL), '{}')
		FROM counters c
		LEFT JOIN counter_filters f ON f.counter_id = c.counter_id
		GROUP BY c.counter_id
		ORDER BY c.name ASC, c.counter_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (r *PostgresRegistry) AssignStaff(ctx context.Context, counterID, staffID string) (models.Counter, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var holder string
	row := tx.QueryRow(ctx, `
		SELECT counter_id
		FROM counters
		WHERE assigned_staff_id = $1 AND is_active AND counter_id <> $2
		LIMIT 1
		FOR UPDATE
	`, staffID, counterID)
	if err = row.Scan(&holder); err == nil {
		err = ErrStaffAlreadyAssigned
		return models.Counter{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, err
	}
	err = nil

	tag, err := tx.Exec(ctx, `
		UPDATE counters
		SET assigned_staff_id = $1
		WHERE counter_id = $2
	`, staffID, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if tag.RowsAffected() == 0 {
		err = ErrCounterNotFound
		return models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return r.GetCounter(ctx, counterID)
}

func (r *PostgresRegistry) ReleaseStaff(ctx context.Context, counterID string) (models.Counter, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE counters
		SET assigned_staff_id = NULL
		WHERE counter_id = $1
	`, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Counter{}, ErrCounterNotFound
	}
	return r.GetCounter(ctx, counterID)
}

func (r *PostgresRegistry) SetPriorityFilter(ctx context.Context, counterID string, serviceTypeIDs []string) (models.Counter, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1)`, counterID)
	if err = row.Scan(&exists); err != nil {
		return models.Counter{}, err
	}
	if !exists {
		err = ErrCounterNotFound
		return models.Counter{}, err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM counter_filters WHERE counter_id = $1`, counterID); err != nil {
		return models.Counter{}, err
	}
	for _, serviceTypeID := range serviceTypeIDs {
		var typeExists bool
		row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_types WHERE service_type_id = $1)`, serviceTypeID)
		if err = row.Scan(&typeExists); err != nil {
			return models.Counter{}, err
		}
		if !typeExists {
			err = ErrServiceTypeNotFound
			return models.Counter{}, err
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO counter_filters (counter_id, service_type_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, counterID, serviceTypeID); err != nil {
			return models.Counter{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return r.GetCounter(ctx, counterID)
}

func (r *PostgresRegistry) SetActive(ctx context.Context, counterID string, active bool) (models.Counter, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE counters
		SET is_active = $1
		WHERE counter_id = $2
	`, active, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Counter{}, ErrCounterNotFound
	}
	return r.GetCounter(ctx, counterID)
}

func (r *PostgresRegistry) GetServiceType(ctx context.Context, serviceTypeID string) (models.ServiceType, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT service_type_id, name, code, priority_weight, avg_service_seconds
		FROM service_types
		WHERE service_type_id = $1
	`, serviceTypeID)
	var serviceType models.ServiceType
	if err := row.Scan(&serviceType.ServiceTypeID, &serviceType.Name, &serviceType.Code, &serviceType.PriorityWeight, &serviceType.AvgServiceSeconds); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceType{}, ErrServiceTypeNotFound
		}
		return models.ServiceType{}, err
	}
	return serviceType, nil
}

func (r *PostgresRegistry) ListServiceTypes(ctx context.Context) ([]models.ServiceType, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT service_type_id, name, code, priority_weight, avg_service_seconds
		FROM service_types
		ORDER BY service_type_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []models.ServiceType
	for rows.Next() {
		var serviceType models.ServiceType
		if err := rows.Scan(&serviceType.ServiceTypeID, &serviceType.Name, &serviceType.Code, &serviceType.PriorityWeight, &serviceType.AvgServiceSeconds); err != nil {
			return nil, err
		}
		types = append(types, serviceType)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var staffIDNull sql.NullString
	var filter []string
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.IsActive, &staffIDNull, &filter); err != nil {
		return models.Counter{}, err
	}
	if staffIDNull.Valid {
		counter.AssignedStaffID = &staffIDNull.String
	}
	counter.PriorityFilter = filter
	return counter, nil
}
