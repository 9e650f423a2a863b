package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/TwinForge/engine/model"
)

// PostgresStore implements Store on PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE things (
//	    name              VARCHAR     NOT NULL,
//	    application       VARCHAR     NOT NULL,
//	    uid               UUID        NOT NULL,
//	    creation_timestamp TIMESTAMPTZ NOT NULL,
//	    generation        BIGINT      NOT NULL,
//	    resource_version  UUID        NOT NULL,
//	    annotations       JSONB,
//	    labels            JSONB,
//	    data              JSONB       NOT NULL,
//	    waker             TIMESTAMPTZ,
//	    waker_reasons     JSONB,
//	    PRIMARY KEY (application, name)
//	);
//	CREATE INDEX things_waker_idx ON things (waker) WHERE waker IS NOT NULL;
//
// The waker column mirrors internal.waker.when so that due things can be
// selected with an index scan and FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool        *pgxpool.Pool
	application string
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
// If application is non-empty, all operations are restricted to that tenant.
func NewPostgresStore(ctx context.Context, connString, application string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool, application: application}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// thingData is the JSON blob persisted in the data column: everything that
// is not promoted to a dedicated column.
type thingData struct {
	Schema         *model.Schema                     `json:"schema,omitempty"`
	ReportedState  map[string]model.ReportedFeature  `json:"reportedState,omitempty"`
	DesiredState   map[string]model.DesiredFeature   `json:"desiredState,omitempty"`
	SyntheticState map[string]model.SyntheticFeature `json:"syntheticState,omitempty"`
	Reconciliation model.Reconciliation              `json:"reconciliation,omitzero"`
	Internal       *model.Internal                   `json:"internal,omitempty"`
}

func dataOf(thing *model.Thing) thingData {
	return thingData{
		Schema:         thing.Schema,
		ReportedState:  thing.ReportedState,
		DesiredState:   thing.DesiredState,
		SyntheticState: thing.SyntheticState,
		Reconciliation: thing.Reconciliation,
		Internal:       thing.Internal,
	}
}

func wakerColumns(thing *model.Thing) (*time.Time, []byte, error) {
	if thing.Internal == nil || thing.Internal.Waker.When.IsZero() {
		return nil, nil, nil
	}
	when := thing.Internal.Waker.When
	reasons, err := json.Marshal(thing.Internal.Waker.Why)
	if err != nil {
		return nil, nil, err
	}
	return &when, reasons, nil
}

func (s *PostgresStore) allowed(application string) bool {
	return s.application == "" || s.application == application
}

func (s *PostgresStore) Get(ctx context.Context, application, name string) (*model.Thing, error) {
	if !s.allowed(application) {
		return nil, ErrNotFound
	}

	query := `
		SELECT uid, creation_timestamp, generation, resource_version, annotations, labels, data
		FROM things WHERE application = $1 AND name = $2
	`
	var (
		uid             uuid.UUID
		creation        time.Time
		generation      int64
		resourceVersion uuid.UUID
		annotations     map[string]string
		labels          map[string]string
		data            []byte
	)
	err := s.pool.QueryRow(ctx, query, application, name).Scan(
		&uid, &creation, &generation, &resourceVersion, &annotations, &labels, &data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var d thingData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding thing data: %w", err)
	}

	return &model.Thing{
		Metadata: model.Metadata{
			Name:              name,
			Application:       application,
			UID:               uid.String(),
			CreationTimestamp: creation,
			Generation:        generation,
			ResourceVersion:   resourceVersion.String(),
			Annotations:       annotations,
			Labels:            labels,
		},
		Schema:         d.Schema,
		ReportedState:  d.ReportedState,
		DesiredState:   d.DesiredState,
		SyntheticState: d.SyntheticState,
		Reconciliation: d.Reconciliation,
		Internal:       d.Internal,
	}, nil
}

func (s *PostgresStore) Create(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	if !s.allowed(thing.Metadata.Application) {
		return nil, ErrNotAllowed
	}

	out := thing.Clone()
	out.Metadata.UID = uuid.NewString()
	out.Metadata.CreationTimestamp = time.Now().UTC()
	out.Metadata.Generation = 1
	out.Metadata.ResourceVersion = uuid.NewString()

	waker, reasons, err := wakerColumns(out)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(dataOf(out))
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO things (name, application, uid, creation_timestamp, generation, resource_version, annotations, labels, data, waker, waker_reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.pool.Exec(ctx, query,
		out.Metadata.Name, out.Metadata.Application, out.Metadata.UID,
		out.Metadata.CreationTimestamp, out.Metadata.Generation, out.Metadata.ResourceVersion,
		out.Metadata.Annotations, out.Metadata.Labels, data, waker, reasons,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	if !s.allowed(thing.Metadata.Application) {
		return nil, ErrNotFound
	}

	out := thing.Clone()
	newVersion := uuid.NewString()

	waker, reasons, err := wakerColumns(out)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(dataOf(out))
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE things
		SET generation = generation + 1, resource_version = $3,
		    annotations = $4, labels = $5, data = $6, waker = $7, waker_reasons = $8
		WHERE application = $1 AND name = $2
	`
	args := []any{
		out.Metadata.Application, out.Metadata.Name, newVersion,
		out.Metadata.Annotations, out.Metadata.Labels, data, waker, reasons,
	}
	if out.Metadata.ResourceVersion != "" {
		args = append(args, out.Metadata.ResourceVersion)
		query += fmt.Sprintf(" AND resource_version::text = $%d", len(args))
	}
	if out.Metadata.UID != "" {
		args = append(args, out.Metadata.UID)
		query += fmt.Sprintf(" AND uid::text = $%d", len(args))
	}
	query += " RETURNING uid, creation_timestamp, generation"

	var (
		uid        uuid.UUID
		creation   time.Time
		generation int64
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(&uid, &creation, &generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPreconditionFailed
	}
	if err != nil {
		return nil, err
	}

	out.Metadata.UID = uid.String()
	out.Metadata.CreationTimestamp = creation
	out.Metadata.Generation = generation
	out.Metadata.ResourceVersion = newVersion
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, application, name string, precond *Precondition) (bool, error) {
	if !s.allowed(application) {
		return false, nil
	}

	query := `DELETE FROM things WHERE application = $1 AND name = $2`
	args := []any{application, name}
	if precond != nil {
		if precond.ResourceVersion != "" {
			args = append(args, precond.ResourceVersion)
			query += fmt.Sprintf(" AND resource_version::text = $%d", len(args))
		}
		if precond.UID != "" {
			args = append(args, precond.UID)
			query += fmt.Sprintf(" AND uid::text = $%d", len(args))
		}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) NextWaker(ctx context.Context, now time.Time, delay time.Duration) (*WakerTarget, error) {
	// Select the next due thing and push its waker past now, so that other
	// workers skip it while the wakeup is in flight. The reconcile run that
	// follows rewrites the waker anyway.
	query := `
		UPDATE things
		SET waker = $1::timestamptz + $2::interval
		WHERE uid = (
			SELECT uid FROM things
			WHERE waker <= $1
	`
	args := []any{now.UTC(), fmt.Sprintf("%d milliseconds", delay.Milliseconds())}
	if s.application != "" {
		args = append(args, s.application)
		query += fmt.Sprintf(" AND application = $%d", len(args))
	}
	query += `
			ORDER BY waker ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING application, name, uid, resource_version, waker_reasons
	`

	var (
		target  WakerTarget
		uid     uuid.UUID
		version uuid.UUID
		reasons []byte
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&target.Application, &target.Name, &uid, &version, &reasons,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	target.UID = uid.String()
	target.ResourceVersion = version.String()
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &target.Reasons); err != nil {
			return nil, fmt.Errorf("decoding waker reasons: %w", err)
		}
	}
	return &target, nil
}

func (s *PostgresStore) ClearWaker(ctx context.Context, target WakerTarget) error {
	query := `
		UPDATE things
		SET waker = NULL, waker_reasons = NULL
		WHERE application = $1 AND name = $2 AND uid::text = $3 AND resource_version::text = $4
	`
	tag, err := s.pool.Exec(ctx, query,
		target.Application, target.Name, target.UID, target.ResourceVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// The thing moved on since we selected it. The wakeup still went
		// out, and the next reconcile rewrites the waker.
		log.Printf("Lost the race clearing waker for %s/%s", target.Application, target.Name)
	}
	return nil
}
