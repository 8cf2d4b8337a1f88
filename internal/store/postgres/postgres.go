// Package postgres implements store.Store on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/schema"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection settings. URL wins over the discrete
// fields when set.
type Config struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max-conns"`
	MinConns        int32         `mapstructure:"min-conns"`
	MaxConnLifetime time.Duration `mapstructure:"max-conn-lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`
}

// DefaultConfig returns settings for a local database.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "qcs",
		User:            "postgres",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
	}
}

// DSN returns the connection string.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode, int(c.ConnectTimeout.Seconds()),
	)
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = c.MaxConnLifetime
	}
	return cfg, nil
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open migrates the schema and connects the pool.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := migrate(cfg.DSN(), log); err != nil {
		return nil, err
	}

	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrate(dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open for migrations: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	return schema.Up(migrations, "migrations", "postgres", driver, log)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.GetProfile", attribute.String("user_id", userID))
	defer span.End()

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM profiles WHERE id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return decodeProfile(data)
}

func (s *Store) ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]*profile.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.ListCandidates")
	defer span.End()

	query, args := schema.CandidateQuery(sqlbuilder.PostgreSQL, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*profile.Profile
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		p, err := decodeProfile(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, rows.Err()
}

func (s *Store) BlockedUsers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT blocked_id FROM blocks WHERE blocker_id = $1
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("blocked users of %s: %w", userID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("blocked users of %s: %w", userID, err)
	}
	return store.SortedIDs(ids), nil
}

func (s *Store) UpsertProfile(ctx context.Context, p *profile.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (id, gender, active, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			gender = EXCLUDED.gender,
			active = EXCLUDED.active,
			data = EXCLUDED.data,
			updated_at = NOW()`,
		p.ID, p.Gender, p.Active, data)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) AddBlock(ctx context.Context, b store.Block) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, b.Blocker, b.Blocked)
	if err != nil {
		return fmt.Errorf("add block %s -> %s: %w", b.Blocker, b.Blocked, err)
	}
	return nil
}

const selectQCS = `
	SELECT user_id, profile_score, college_tier, personality_depth, behavior_score,
		logic_score, ai_score, total_score, fractions, persona, last_computed_at
	FROM qcs_scores WHERE user_id = $1`

func (s *Store) GetQCS(ctx context.Context, userID string) (*store.Record, error) {
	var (
		r         store.Record
		aiScore   *int32
		fractions []byte
	)
	err := s.pool.QueryRow(ctx, selectQCS, userID).Scan(
		&r.UserID, &r.ProfileScore, &r.CollegeTier, &r.PersonalityDepth, &r.BehaviorScore,
		&r.LogicScore, &aiScore, &r.TotalScore, &fractions, &r.Persona, &r.LastComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get qcs %s: %w", userID, err)
	}
	if aiScore != nil {
		v := int(*aiScore)
		r.AIScore = &v
	}
	if err := json.Unmarshal(fractions, &r.Fractions); err != nil {
		return nil, fmt.Errorf("decode fractions of %s: %w", userID, err)
	}
	return &r, nil
}

func (s *Store) QCSTotals(ctx context.Context, userIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id, total_score FROM qcs_scores WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("qcs totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			total int
		)
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scan qcs total: %w", err)
		}
		out[id] = total
	}
	return out, rows.Err()
}

const upsertQCS = `
	INSERT INTO qcs_scores (user_id, profile_score, college_tier, personality_depth, behavior_score,
		logic_score, ai_score, total_score, fractions, persona, last_computed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (user_id) DO UPDATE SET
		profile_score = EXCLUDED.profile_score,
		college_tier = EXCLUDED.college_tier,
		personality_depth = EXCLUDED.personality_depth,
		behavior_score = EXCLUDED.behavior_score,
		logic_score = EXCLUDED.logic_score,
		ai_score = EXCLUDED.ai_score,
		total_score = EXCLUDED.total_score,
		fractions = EXCLUDED.fractions,
		persona = EXCLUDED.persona,
		last_computed_at = EXCLUDED.last_computed_at`

func qcsArgs(r *store.Record) ([]any, error) {
	fractions, err := json.Marshal(r.Fractions)
	if err != nil {
		return nil, fmt.Errorf("encode fractions of %s: %w", r.UserID, err)
	}
	return []any{
		r.UserID, r.ProfileScore, r.CollegeTier, r.PersonalityDepth, r.BehaviorScore,
		r.LogicScore, r.AIScore, r.TotalScore, fractions, r.Persona, r.LastComputedAt,
	}, nil
}

// SaveQCSAtomic writes the record and the profile summary in one transaction.
func (s *Store) SaveQCSAtomic(ctx context.Context, r *store.Record) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.SaveQCSAtomic", attribute.String("user_id", r.UserID))
	defer span.End()

	args, err := qcsArgs(r)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertQCS, args...); err != nil {
			return fmt.Errorf("upsert qcs %s: %w", r.UserID, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE profiles SET qcs_score = $2 WHERE id = $1`, r.UserID, r.TotalScore); err != nil {
			return fmt.Errorf("update profile score %s: %w", r.UserID, err)
		}
		return nil
	})
}

func (s *Store) UpsertQCS(ctx context.Context, r *store.Record) error {
	args, err := qcsArgs(r)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertQCS, args...); err != nil {
		return fmt.Errorf("upsert qcs %s: %w", r.UserID, err)
	}
	return nil
}

func (s *Store) UpdateProfileScore(ctx context.Context, userID string, total int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET qcs_score = $2 WHERE id = $1`, userID, total)
	if err != nil {
		return fmt.Errorf("update profile score %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetFailure(ctx context.Context, userID string) (*store.FailureState, error) {
	st := &store.FailureState{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT failure_count, next_allowed_at FROM ai_failures WHERE user_id = $1`, userID,
	).Scan(&st.FailureCount, &st.NextAllowedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ai failure state %s: %w", userID, err)
	}
	return st, nil
}

// incrementFailure computes the new deadline in the same statement as the
// increment. LEAST ignores a NULL cap.
const incrementFailure = `
	INSERT INTO ai_failures (user_id, failure_count, next_allowed_at)
	VALUES ($1, 1, $2::timestamptz + make_interval(secs => LEAST($3::float8, $4::float8)))
	ON CONFLICT (user_id) DO UPDATE SET
		failure_count = ai_failures.failure_count + 1,
		next_allowed_at = $2::timestamptz + make_interval(secs =>
			LEAST($3::float8 * power(2, LEAST(ai_failures.failure_count, 40)), $4::float8))
	RETURNING failure_count, next_allowed_at`

func (s *Store) RecordFailure(ctx context.Context, userID string, now time.Time, b store.Backoff) (*store.FailureState, error) {
	var maxSeconds *float64
	if b.Max > 0 {
		v := b.Max.Seconds()
		maxSeconds = &v
	}
	st := &store.FailureState{UserID: userID}
	err := s.pool.QueryRow(ctx, incrementFailure, userID, now, b.Base.Seconds(), maxSeconds).
		Scan(&st.FailureCount, &st.NextAllowedAt)
	if err != nil {
		return nil, fmt.Errorf("record ai failure %s: %w", userID, err)
	}
	return st, nil
}

func (s *Store) ResetFailure(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM ai_failures WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("reset ai failure state %s: %w", userID, err)
	}
	return nil
}

func decodeProfile(data []byte) (*profile.Profile, error) {
	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
