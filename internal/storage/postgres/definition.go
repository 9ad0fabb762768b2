package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
)

// Kind selects the definition family a row belongs to.
type Kind string

const (
	KindAbility Kind = "ability"
	KindEffect  Kind = "effect"
)

// ErrDefinitionNotFound is returned when a definition lookup yields no results.
var ErrDefinitionNotFound = errors.New("definition not found")

// ErrDefinitionExists is returned when creating a definition whose id is
// already stored.
var ErrDefinitionExists = errors.New("definition already exists")

// ErrInvalidDefinition is returned when a stored or submitted body does not
// parse as a definition of its kind.
var ErrInvalidDefinition = errors.New("invalid definition")

// DefinitionRow is one stored definition.
type DefinitionRow struct {
	Kind      Kind
	ID        string
	Body      []byte
	UpdatedAt time.Time
}

// DefinitionRepository stores ability and effect definitions as YAML
// documents keyed by kind and id.
type DefinitionRepository struct {
	db *pgxpool.Pool
}

// NewDefinitionRepository creates a DefinitionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewDefinitionRepository(db *pgxpool.Pool) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// parseID validates body as a definition of kind and returns its id.
func parseID(kind Kind, body []byte) (string, error) {
	switch kind {
	case KindAbility:
		def, err := ability.ParseDefinition(body)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		return def.ID, nil
	case KindEffect:
		def, err := effect.ParseDefinition(body)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		return def.ID, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, kind)
}

// Upsert validates body and stores it under its definition id, replacing
// any previous version.
//
// Precondition: body must be one YAML definition document.
// Postcondition: Returns the stored id, or ErrInvalidDefinition when body
// does not parse.
func (r *DefinitionRepository) Upsert(ctx context.Context, kind Kind, body []byte) (string, error) {
	id, err := parseID(kind, body)
	if err != nil {
		return "", err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO definitions (kind, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
		string(kind), id, string(body),
	)
	if err != nil {
		return "", fmt.Errorf("upserting %s %q: %w", kind, id, err)
	}
	return id, nil
}

// Create validates body and stores it as a new definition.
//
// Postcondition: Returns the stored id, ErrDefinitionExists when the id is
// taken, or ErrInvalidDefinition when body does not parse.
func (r *DefinitionRepository) Create(ctx context.Context, kind Kind, body []byte) (string, error) {
	id, err := parseID(kind, body)
	if err != nil {
		return "", err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO definitions (kind, id, body) VALUES ($1, $2, $3)`,
		string(kind), id, string(body),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", ErrDefinitionExists
		}
		return "", fmt.Errorf("inserting %s %q: %w", kind, id, err)
	}
	return id, nil
}

// Get returns the stored definition.
//
// Postcondition: Returns ErrDefinitionNotFound when no row matches.
func (r *DefinitionRepository) Get(ctx context.Context, kind Kind, id string) (DefinitionRow, error) {
	row := DefinitionRow{Kind: kind, ID: id}
	var body string
	err := r.db.QueryRow(ctx,
		`SELECT body, updated_at FROM definitions WHERE kind = $1 AND id = $2`,
		string(kind), id,
	).Scan(&body, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefinitionRow{}, ErrDefinitionNotFound
		}
		return DefinitionRow{}, fmt.Errorf("querying %s %q: %w", kind, id, err)
	}
	row.Body = []byte(body)
	return row, nil
}

// Delete removes a stored definition.
//
// Postcondition: Returns ErrDefinitionNotFound when no row matches.
func (r *DefinitionRepository) Delete(ctx context.Context, kind Kind, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM definitions WHERE kind = $1 AND id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("deleting %s %q: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// List returns every definition of kind ordered by id.
func (r *DefinitionRepository) List(ctx context.Context, kind Kind) ([]DefinitionRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, body, updated_at FROM definitions WHERE kind = $1 ORDER BY id ASC`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s definitions: %w", kind, err)
	}
	defer rows.Close()

	var out []DefinitionRow
	for rows.Next() {
		row := DefinitionRow{Kind: kind}
		var body string
		if err := rows.Scan(&row.ID, &body, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning %s definition: %w", kind, err)
		}
		row.Body = []byte(body)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s definitions: %w", kind, err)
	}
	return out, nil
}

// LoadAbilities parses every stored ability into a registry.
//
// Postcondition: Returns ErrInvalidDefinition naming the first row that
// does not parse.
func (r *DefinitionRepository) LoadAbilities(ctx context.Context) (*ability.Registry, error) {
	rows, err := r.List(ctx, KindAbility)
	if err != nil {
		return nil, err
	}
	reg := ability.NewRegistry()
	for _, row := range rows {
		def, err := ability.ParseDefinition(row.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: ability %q: %v", ErrInvalidDefinition, row.ID, err)
		}
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("registering ability %q: %w", row.ID, err)
		}
	}
	return reg, nil
}

// LoadEffects parses every stored effect into a registry.
//
// Postcondition: Returns ErrInvalidDefinition naming the first row that
// does not parse.
func (r *DefinitionRepository) LoadEffects(ctx context.Context) (*effect.Registry, error) {
	rows, err := r.List(ctx, KindEffect)
	if err != nil {
		return nil, err
	}
	reg := effect.NewRegistry()
	for _, row := range rows {
		def, err := effect.ParseDefinition(row.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: effect %q: %v", ErrInvalidDefinition, row.ID, err)
		}
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("registering effect %q: %w", row.ID, err)
		}
	}
	return reg, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
