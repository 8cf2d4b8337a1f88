// Package sqlite implements store.Store on an embedded SQLite file using the
// pure-Go modernc driver. Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

// unboundedDelay stands in for a missing cap because SQLite's MIN returns
// NULL when any argument is NULL.
const unboundedDelay = 100 * 365 * 24 * time.Hour

// Store is the SQLite backend.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database file at path and applies migrations.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer keeps the upserts serialized.
	db.SetMaxOpenConns(1)

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration driver: %w", err)
	}
	if err := schema.Up(migrations, "migrations", "sqlite", driver, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM profiles WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return decodeProfile(data)
}

func (s *Store) ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]*profile.Profile, error) {
	query, args := schema.CandidateQuery(sqlbuilder.SQLite, filter)
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	out := make([]*profile.Profile, 0, len(rows))
	for _, data := range rows {
		p, err := decodeProfile(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) BlockedUsers(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT blocked_id FROM blocks WHERE blocker_id = ?1
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = ?1`, userID)
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, gender, active, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			gender = excluded.gender,
			active = excluded.active,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		p.ID, p.Gender, p.Active, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) AddBlock(ctx context.Context, b store.Block) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id) VALUES (?, ?)`, b.Blocker, b.Blocked)
	if err != nil {
		return fmt.Errorf("add block %s -> %s: %w", b.Blocker, b.Blocked, err)
	}
	return nil
}

type qcsRow struct {
	UserID           string        `db:"user_id"`
	ProfileScore     int           `db:"profile_score"`
	CollegeTier      int           `db:"college_tier"`
	PersonalityDepth int           `db:"personality_depth"`
	BehaviorScore    int           `db:"behavior_score"`
	LogicScore       int           `db:"logic_score"`
	AIScore          sql.NullInt64 `db:"ai_score"`
	TotalScore       int           `db:"total_score"`
	Fractions        string        `db:"fractions"`
	Persona          string        `db:"persona"`
	LastComputedAt   int64         `db:"last_computed_at"`
}

func (r qcsRow) record() (*store.Record, error) {
	rec := &store.Record{
		UserID:           r.UserID,
		ProfileScore:     r.ProfileScore,
		CollegeTier:      r.CollegeTier,
		PersonalityDepth: r.PersonalityDepth,
		BehaviorScore:    r.BehaviorScore,
		LogicScore:       r.LogicScore,
		TotalScore:       r.TotalScore,
		Persona:          r.Persona,
		LastComputedAt:   time.UnixMilli(r.LastComputedAt).UTC(),
	}
	if r.AIScore.Valid {
		v := int(r.AIScore.Int64)
		rec.AIScore = &v
	}
	if err := json.Unmarshal([]byte(r.Fractions), &rec.Fractions); err != nil {
		return nil, fmt.Errorf("decode fractions of %s: %w", r.UserID, err)
	}
	return rec, nil
}

func newQCSRow(r *store.Record) (qcsRow, error) {
	fractions, err := json.Marshal(r.Fractions)
	if err != nil {
		return qcsRow{}, fmt.Errorf("encode fractions of %s: %w", r.UserID, err)
	}
	row := qcsRow{
		UserID:           r.UserID,
		ProfileScore:     r.ProfileScore,
		CollegeTier:      r.CollegeTier,
		PersonalityDepth: r.PersonalityDepth,
		BehaviorScore:    r.BehaviorScore,
		LogicScore:       r.LogicScore,
		TotalScore:       r.TotalScore,
		Fractions:        string(fractions),
		Persona:          r.Persona,
		LastComputedAt:   r.LastComputedAt.UnixMilli(),
	}
	if r.AIScore != nil {
		row.AIScore = sql.NullInt64{Int64: int64(*r.AIScore), Valid: true}
	}
	return row, nil
}

func (s *Store) GetQCS(ctx context.Context, userID string) (*store.Record, error) {
	var row qcsRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM qcs_scores WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get qcs %s: %w", userID, err)
	}
	return row.record()
}

func (s *Store) QCSTotals(ctx context.Context, userIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(userIDs))
	ids := store.SortedIDs(userIDs)
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT user_id, total_score FROM qcs_scores WHERE user_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("qcs totals: %w", err)
	}
	var rows []struct {
		UserID     string `db:"user_id"`
		TotalScore int    `db:"total_score"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("qcs totals: %w", err)
	}
	for _, r := range rows {
		out[r.UserID] = r.TotalScore
	}
	return out, nil
}

const upsertQCS = `
	INSERT INTO qcs_scores (user_id, profile_score, college_tier, personality_depth, behavior_score,
		logic_score, ai_score, total_score, fractions, persona, last_computed_at)
	VALUES (:user_id, :profile_score, :college_tier, :personality_depth, :behavior_score,
		:logic_score, :ai_score, :total_score, :fractions, :persona, :last_computed_at)
	ON CONFLICT (user_id) DO UPDATE SET
		profile_score = excluded.profile_score,
		college_tier = excluded.college_tier,
		personality_depth = excluded.personality_depth,
		behavior_score = excluded.behavior_score,
		logic_score = excluded.logic_score,
		ai_score = excluded.ai_score,
		total_score = excluded.total_score,
		fractions = excluded.fractions,
		persona = excluded.persona,
		last_computed_at = excluded.last_computed_at`

// SaveQCSAtomic writes the record and the profile summary in one transaction.
func (s *Store) SaveQCSAtomic(ctx context.Context, r *store.Record) error {
	row, err := newQCSRow(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin qcs save %s: %w", r.UserID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, upsertQCS, row); err != nil {
		return fmt.Errorf("upsert qcs %s: %w", r.UserID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET qcs_score = ? WHERE id = ?`, r.TotalScore, r.UserID); err != nil {
		return fmt.Errorf("update profile score %s: %w", r.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit qcs save %s: %w", r.UserID, err)
	}
	return nil
}

func (s *Store) UpsertQCS(ctx context.Context, r *store.Record) error {
	row, err := newQCSRow(r)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertQCS, row); err != nil {
		return fmt.Errorf("upsert qcs %s: %w", r.UserID, err)
	}
	return nil
}

func (s *Store) UpdateProfileScore(ctx context.Context, userID string, total int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET qcs_score = ? WHERE id = ?`, total, userID)
	if err != nil {
		return fmt.Errorf("update profile score %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile score %s: %w", userID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type failureRow struct {
	FailureCount  int           `db:"failure_count"`
	NextAllowedAt sql.NullInt64 `db:"next_allowed_at"`
}

func (r failureRow) state(userID string) *store.FailureState {
	st := &store.FailureState{UserID: userID, FailureCount: r.FailureCount}
	if r.NextAllowedAt.Valid {
		t := time.UnixMilli(r.NextAllowedAt.Int64).UTC()
		st.NextAllowedAt = &t
	}
	return st
}

func (s *Store) GetFailure(ctx context.Context, userID string) (*store.FailureState, error) {
	var row failureRow
	err := s.db.GetContext(ctx, &row,
		`SELECT failure_count, next_allowed_at FROM ai_failures WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.FailureState{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ai failure state %s: %w", userID, err)
	}
	return row.state(userID), nil
}

// incrementFailure derives the deadline from the stored count inside the
// upsert. The shift is capped so the product stays inside int64.
const incrementFailure = `
	INSERT INTO ai_failures (user_id, failure_count, next_allowed_at)
	VALUES (?1, 1, ?2 + MIN(?3, ?4))
	ON CONFLICT (user_id) DO UPDATE SET
		failure_count = failure_count + 1,
		next_allowed_at = ?2 + MIN(?3 << MIN(failure_count, 30), ?4)
	RETURNING failure_count, next_allowed_at`

func (s *Store) RecordFailure(ctx context.Context, userID string, now time.Time, b store.Backoff) (*store.FailureState, error) {
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = unboundedDelay
	}
	var row failureRow
	err := s.db.GetContext(ctx, &row, incrementFailure,
		userID, now.UnixMilli(), b.Base.Milliseconds(), maxDelay.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("record ai failure %s: %w", userID, err)
	}
	return row.state(userID), nil
}

func (s *Store) ResetFailure(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ai_failures WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset ai failure state %s: %w", userID, err)
	}
	return nil
}

func decodeProfile(data string) (*profile.Profile, error) {
	var p profile.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
