package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenNumberPad = 3

const tokenColumns = "token_id, number, service_type_id, priority, status, counter_id, served_by, created_at, called_at, serving_started_at, completed_at, no_show_at, notes"

// Store is the pgx-backed TokenStore. Atomicity of CompareAndSetStatus comes
// from a conditional UPDATE: the WHERE clause pins the expected status, so out
// of any set of racing callers exactly one sees a row returned.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	code, err := lookupServiceTypeCode(ctx, tx, input.ServiceTypeID)
	if err != nil {
		return models.Token{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	seq, err := nextTokenNumber(ctx, tx, input.ServiceTypeID, createdAt)
	if err != nil {
		return models.Token{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (token_id, number, service_type_id, priority, status, created_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+tokenColumns+`
	`, uuid.NewString(), fmt.Sprintf("%s-%0*d", code, tokenNumberPad, seq), input.ServiceTypeID, input.Priority, models.StatusWaiting, createdAt, input.Notes)

	token, err := scanToken(row)
	if err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, tokenID string, expected, next models.TokenStatus, update store.StatusUpdate) (models.Token, error) {
	if !store.CanTransition(expected, next) {
		return models.Token{}, store.ErrInvalidTransition
	}

	query := `
		UPDATE tokens
		SET status = $1
	`
	args := []interface{}{next}
	argPos := 2

	if update.ClearCounter {
		query += ", counter_id = NULL, served_by = NULL"
	}
	if update.CounterID != nil {
		query += fmt.Sprintf(", counter_id = $%d", argPos)
		args = append(args, *update.CounterID)
		argPos++
	}
	if update.ServedBy != nil {
		query += fmt.Sprintf(", served_by = $%d", argPos)
		args = append(args, *update.ServedBy)
		argPos++
	}
	if update.CalledAt != nil {
		query += fmt.Sprintf(", called_at = $%d", argPos)
		args = append(args, *update.CalledAt)
		argPos++
	}
	if update.ServingStartedAt != nil {
		query += fmt.Sprintf(", serving_started_at = $%d", argPos)
		args = append(args, *update.ServingStartedAt)
		argPos++
	}
	if update.CompletedAt != nil {
		query += fmt.Sprintf(", completed_at = $%d", argPos)
		args = append(args, *update.CompletedAt)
		argPos++
	}
	if update.NoShowAt != nil {
		query += fmt.Sprintf(", no_show_at = $%d", argPos)
		args = append(args, *update.NoShowAt)
		argPos++
	}
	if update.Notes != nil {
		query += fmt.Sprintf(", notes = $%d", argPos)
		args = append(args, *update.Notes)
		argPos++
	}

	query += fmt.Sprintf(" WHERE token_id = $%d AND status = $%d RETURNING ", argPos, argPos+1) + tokenColumns
	args = append(args, tokenID, expected)

	row := s.pool.QueryRow(ctx, query, args...)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status models.TokenStatus
			probe := s.pool.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID)
			if probeErr := probe.Scan(&status); probeErr != nil {
				if errors.Is(probeErr, pgx.ErrNoRows) {
					return models.Token{}, store.ErrTokenNotFound
				}
				return models.Token{}, probeErr
			}
			return models.Token{}, store.ErrConflict
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE TRUE
	`
	var args []interface{}
	argPos := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if len(filter.ServiceTypeIDs) > 0 {
		query += fmt.Sprintf(" AND service_type_id = ANY($%d)", argPos)
		args = append(args, filter.ServiceTypeIDs)
		argPos++
	}
	if filter.CounterID != "" {
		query += fmt.Sprintf(" AND counter_id = $%d", argPos)
		args = append(args, filter.CounterID)
		argPos++
	}
	if !filter.CalledBefore.IsZero() {
		query += fmt.Sprintf(" AND called_at < $%d", argPos)
		args = append(args, filter.CalledBefore)
		argPos++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at > $%d", argPos)
		args = append(args, filter.CreatedAfter)
		argPos++
	}
	query += " ORDER BY created_at ASC, token_id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func lookupServiceTypeCode(ctx context.Context, tx pgx.Tx, serviceTypeID string) (string, error) {
	var code string
	row := tx.QueryRow(ctx, `
		SELECT code
		FROM service_types
		WHERE service_type_id = $1
	`, serviceTypeID)
	if err := row.Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrServiceTypeNotFound
		}
		return "", err
	}
	return code, nil
}

// nextTokenNumber hands out the per-day per-service-type sequence. The upsert
// keeps the increment atomic under concurrent creates.
func nextTokenNumber(ctx context.Context, tx pgx.Tx, serviceTypeID string, createdAt time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (service_type_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_type_id, day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, serviceTypeID, createdAt.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var counterIDNull sql.NullString
	var servedByNull sql.NullString
	var calledAtNull sql.NullTime
	var servingStartedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var noShowAtNull sql.NullTime
	var notesNull sql.NullString
	if err := row.Scan(&token.TokenID, &token.Number, &token.ServiceTypeID, &token.Priority, &token.Status,
		&counterIDNull, &servedByNull, &token.CreatedAt, &calledAtNull, &servingStartedAtNull,
		&completedAtNull, &noShowAtNull, &notesNull); err != nil {
		return models.Token{}, err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.ServedBy = nullStringPtr(servedByNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ServingStartedAt = nullTimePtr(servingStartedAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.NoShowAt = nullTimePtr(noShowAtNull)
	if notesNull.Valid {
		token.Notes = notesNull.String
	}
	return token, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
