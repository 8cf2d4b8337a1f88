package qcs

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/qcs-matcher/internal/ai"
	"github.com/spigell/qcs-matcher/internal/breaker"
	"github.com/spigell/qcs-matcher/internal/events"
	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/memory"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeScorer struct {
	mu     sync.Mutex
	calls  int
	inputs []ai.ScoreInput
	fn     func(ctx context.Context) (*ai.Assessment, error)
}

func (f *fakeScorer) Score(ctx context.Context, in ai.ScoreInput) (*ai.Assessment, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.fn(ctx)
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func answer(score int) func(context.Context) (*ai.Assessment, error) {
	return func(context.Context) (*ai.Assessment, error) {
		return &ai.Assessment{Score: score, Reason: "solid profile", Model: "model-a", Attempts: 1}, nil
	}
}

func exhausted(context.Context) (*ai.Assessment, error) {
	return nil, &ai.ExhaustedError{Models: []string{"model-a"}, Attempts: 3, Last: ai.Failure{Model: "model-a", Status: 503}}
}

type recordingPublisher struct {
	events []*events.QCSComputed
	err    error
}

func (p *recordingPublisher) PublishQCSComputed(_ context.Context, e *events.QCSComputed) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type brokenFailures struct{ *memory.Store }

func (brokenFailures) GetFailure(context.Context, string) (*store.FailureState, error) {
	return nil, errors.New("failure store down")
}

type brokenProfiles struct{ *memory.Store }

func (brokenProfiles) GetProfile(context.Context, string) (*profile.Profile, error) {
	return nil, errors.New("connection reset")
}

type brokenScores struct{ *memory.Store }

func (brokenScores) SaveQCSAtomic(context.Context, *store.Record) error { return errors.New("rpc missing") }
func (brokenScores) UpsertQCS(context.Context, *store.Record) error     { return errors.New("disk full") }

func scenarioProfile() *profile.Profile {
	return &profile.Profile{
		ID:                "u1",
		PersonalityTraits: []any{"optimistic"},
		Values:            []any{"health-conscious"},
		Interests:         []any{"travel", "fitness"},
		Bio:               "I love traveling and staying fit, very optimistic about life and adventure.",
		Active:            true,
	}
}

type fixture struct {
	store     *memory.Store
	scorer    *fakeScorer
	publisher *recordingPublisher
	gate      *breaker.Gate
	clock     *time.Time
}

func newFixture(t *testing.T, scorer *fakeScorer) *fixture {
	t.Helper()
	st := memory.New()
	if err := st.UpsertProfile(context.Background(), scenarioProfile()); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	clock := fixedNow
	return &fixture{
		store:     st,
		scorer:    scorer,
		publisher: &recordingPublisher{},
		clock:     &clock,
		gate: breaker.New(st, store.Backoff{Base: time.Minute, Max: time.Hour}, nil, nil,
			func() time.Time { return clock }),
	}
}

func (f *fixture) service(t *testing.T, cfg Config, log *zap.Logger) *Service {
	t.Helper()
	deps := Deps{
		Profiles:   f.store,
		Scores:     f.store,
		Engine:     scoring.NewEngine(nil, func() time.Time { return fixedNow }),
		AIProvider: "fake",
		Gate:       f.gate,
		Events:     f.publisher,
	}
	if f.scorer != nil {
		deps.AI = f.scorer
	}
	svc, err := NewService(deps, cfg, log, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.now = func() time.Time { return *f.clock }
	return svc
}

func expectedLogic(t *testing.T) int {
	t.Helper()
	return scoring.NewEngine(nil, func() time.Time { return fixedNow }).Evaluate(scenarioProfile()).LogicScore
}

func TestScoreLogicOnlyWhenAIDisabled(t *testing.T) {
	f := newFixture(t, nil)
	svc := f.service(t, Config{Version: "1.2.3"}, nil)

	resp, err := svc.Score(context.Background(), Request{UserID: "u1", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	logic := expectedLogic(t)
	if resp.QCS.TotalScore != logic || resp.QCS.LogicScore != logic {
		t.Fatalf("expected total=logic=%d, got %+v", logic, resp.QCS)
	}
	if resp.QCS.AIScore != nil {
		t.Fatalf("expected null ai score, got %d", *resp.QCS.AIScore)
	}
	if resp.AIStatus.Enabled || resp.AIStatus.SkippedReason != SkipDisabled {
		t.Fatalf("unexpected ai status %+v", resp.AIStatus)
	}
	if !resp.Success || resp.FallbackMode {
		t.Fatalf("expected success without fallback, got %+v", resp)
	}
	if resp.Metadata.Version != "1.2.3" || resp.Metadata.RequestID != "req-1" || resp.Metadata.Mode != "logic_only" {
		t.Fatalf("unexpected metadata %+v", resp.Metadata)
	}
	if !resp.Metadata.Persisted {
		t.Fatalf("expected persisted result")
	}

	rec, err := f.store.GetQCS(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get qcs: %v", err)
	}
	if rec.TotalScore != logic || rec.Persona != resp.QCS.Persona || !rec.LastComputedAt.Equal(fixedNow) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if summary, ok := f.store.ProfileScore("u1"); !ok || summary != logic {
		t.Fatalf("expected summary %d, got %d (%t)", logic, summary, ok)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.publisher.events))
	}
	if e := f.publisher.events[0]; e.UserID != "u1" || e.Mode != "logic_only" || e.TotalScore != logic {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestScoreBlendsAIScore(t *testing.T) {
	scorer := &fakeScorer{fn: answer(90)}
	f := newFixture(t, scorer)
	svc := f.service(t, Config{}, nil)

	resp, err := svc.Score(context.Background(), Request{UserID: "u1", Physical: "tall", Mental: "calm", PreferredModel: "model-x"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	logic := expectedLogic(t)
	want := int(math.Round(float64(logic)*0.6 + 90*0.4))
	if resp.QCS.TotalScore != want {
		t.Fatalf("expected blended %d, got %d", want, resp.QCS.TotalScore)
	}
	if resp.QCS.AIScore == nil || *resp.QCS.AIScore != 90 {
		t.Fatalf("expected ai score 90, got %v", resp.QCS.AIScore)
	}
	if !resp.AIStatus.Attempted || resp.AIStatus.Model != "model-a" || resp.AIStatus.Reason != "solid profile" {
		t.Fatalf("unexpected ai status %+v", resp.AIStatus)
	}
	if resp.Metadata.Mode != "blended" {
		t.Fatalf("expected blended mode, got %s", resp.Metadata.Mode)
	}
	if resp.Metadata.RequestID == "" {
		t.Fatalf("expected generated request id")
	}

	in := scorer.inputs[0]
	if in.LogicScore != logic || in.Physical != "tall" || in.Mental != "calm" || in.PreferredModel != "model-x" {
		t.Fatalf("unexpected ai input %+v", in)
	}
}

func TestScoreZeroAIScoreIsLogicOnly(t *testing.T) {
	scorer := &fakeScorer{fn: answer(0)}
	f := newFixture(t, scorer)
	svc := f.service(t, Config{}, nil)

	resp, err := svc.Score(context.Background(), Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.QCS.AIScore != nil {
		t.Fatalf("expected null ai score, got %d", *resp.QCS.AIScore)
	}
	if resp.QCS.TotalScore != expectedLogic(t) || resp.Metadata.Mode != "logic_only" {
		t.Fatalf("expected logic-only total, got %d (%s)", resp.QCS.TotalScore, resp.Metadata.Mode)
	}
	if !resp.AIStatus.Attempted {
		t.Fatalf("expected the ai call to be reported as attempted")
	}

	rec, err := f.store.GetQCS(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get qcs: %v", err)
	}
	if rec.AIScore != nil {
		t.Fatalf("expected no persisted ai score, got %d", *rec.AIScore)
	}
}

func TestScoreCircuitOpenMakesNoAICalls(t *testing.T) {
	scorer := &fakeScorer{fn: exhausted}
	f := newFixture(t, scorer)
	svc := f.service(t, Config{}, nil)
	ctx := context.Background()

	resp, err := svc.Score(ctx, Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.QCS.AIScore != nil || resp.AIStatus.FailureCount != 1 || resp.AIStatus.Attempts != 3 {
		t.Fatalf("unexpected first response %+v", resp.AIStatus)
	}
	if resp.AIStatus.NextAllowedAt == nil || !resp.AIStatus.NextAllowedAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("expected next allowed in one minute, got %v", resp.AIStatus.NextAllowedAt)
	}

	*f.clock = fixedNow.Add(30 * time.Second)
	resp, err = svc.Score(ctx, Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scorer.callCount() != 1 {
		t.Fatalf("expected no ai call inside the window, got %d calls", scorer.callCount())
	}
	if resp.QCS.AIScore != nil || resp.AIStatus.Attempted || resp.AIStatus.SkippedReason != SkipCircuitOpen {
		t.Fatalf("expected circuit-open logic-only result, got %+v", resp.AIStatus)
	}
	if resp.QCS.TotalScore != expectedLogic(t) {
		t.Fatalf("expected logic-only total, got %d", resp.QCS.TotalScore)
	}

	*f.clock = fixedNow.Add(2 * time.Minute)
	scorer.fn = answer(80)
	resp, err = svc.Score(ctx, Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scorer.callCount() != 2 || resp.QCS.AIScore == nil {
		t.Fatalf("expected ai call after window, got %d calls", scorer.callCount())
	}
	st, _ := f.store.GetFailure(ctx, "u1")
	if st.FailureCount != 0 || resp.AIStatus.FailureCount != 0 {
		t.Fatalf("expected failure state reset, got %+v", st)
	}
}

func TestScoreProfileErrors(t *testing.T) {
	f := newFixture(t, nil)
	svc := f.service(t, Config{}, nil)
	if _, err := svc.Score(context.Background(), Request{UserID: "ghost"}); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	broken, err := NewService(Deps{Profiles: brokenProfiles{f.store}, Scores: f.store}, Config{}, nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := broken.Score(context.Background(), Request{UserID: "u1"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestScoreFallsBackToSequentialWrites(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AtomicDisabled = true
	core, logs := observer.New(zap.WarnLevel)
	svc := f.service(t, Config{}, zap.New(core))

	resp, err := svc.Score(context.Background(), Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !resp.Metadata.Persisted {
		t.Fatalf("expected sequential fallback to persist")
	}
	if _, err := f.store.GetQCS(context.Background(), "u1"); err != nil {
		t.Fatalf("record missing after fallback: %v", err)
	}
	if summary, ok := f.store.ProfileScore("u1"); !ok || summary != resp.QCS.TotalScore {
		t.Fatalf("summary not written by fallback")
	}
	if logs.FilterMessage("atomic qcs save failed, falling back to sequential writes").Len() != 1 {
		t.Fatalf("expected fallback warning, got %v", logs.All())
	}
}

func TestScoreStillReturnsWhenPersistenceFails(t *testing.T) {
	f := newFixture(t, nil)
	core, logs := observer.New(zap.WarnLevel)
	svc := f.service(t, Config{}, zap.New(core))
	svc.deps.Scores = brokenScores{f.store}

	resp, err := svc.Score(context.Background(), Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.Metadata.Persisted || resp.QCS.TotalScore != expectedLogic(t) || resp.FallbackMode {
		t.Fatalf("expected computed, unpersisted result, got %+v", resp)
	}
	if logs.FilterMessage("qcs record not persisted").Len() != 1 {
		t.Fatalf("expected persistence error log, got %v", logs.All())
	}
}

func TestScoreCallerCancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scorer := &fakeScorer{fn: func(aiCtx context.Context) (*ai.Assessment, error) {
		cancel()
		<-aiCtx.Done()
		return nil, aiCtx.Err()
	}}
	f := newFixture(t, scorer)
	svc := f.service(t, Config{}, nil)

	resp, err := svc.Score(ctx, Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.QCS.AIScore != nil || resp.AIStatus.Error == "" {
		t.Fatalf("expected logic-only result with error, got %+v", resp.AIStatus)
	}
	st, _ := f.store.GetFailure(context.Background(), "u1")
	if st.FailureCount != 0 {
		t.Fatalf("caller cancellation must not count, got %d", st.FailureCount)
	}
	if !resp.Metadata.Persisted {
		t.Fatalf("result must be persisted after cancellation")
	}
}

func TestScoreAITimeoutCountsAsFailure(t *testing.T) {
	scorer := &fakeScorer{fn: func(aiCtx context.Context) (*ai.Assessment, error) {
		<-aiCtx.Done()
		return nil, aiCtx.Err()
	}}
	f := newFixture(t, scorer)
	svc := f.service(t, Config{AITimeout: 10 * time.Millisecond}, nil)

	resp, err := svc.Score(context.Background(), Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.QCS.TotalScore != expectedLogic(t) || resp.AIStatus.FailureCount != 1 {
		t.Fatalf("expected logic-only result with one failure, got %+v", resp.AIStatus)
	}
}

func TestScoreGateUnavailableSkipsAI(t *testing.T) {
	scorer := &fakeScorer{fn: answer(90)}
	f := newFixture(t, scorer)
	f.gate = breaker.New(brokenFailures{f.store}, store.Backoff{}, nil, nil, nil)
	svc := f.service(t, Config{}, nil)

	resp, err := svc.Score(context.Background(), Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scorer.callCount() != 0 || resp.AIStatus.SkippedReason != SkipGateUnavailable {
		t.Fatalf("expected ai skipped, got %+v after %d calls", resp.AIStatus, scorer.callCount())
	}
}

func TestScoreDescriptionReplacesMissingBio(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.UpsertProfile(ctx, &profile.Profile{ID: "u2", Interests: "travel"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := f.service(t, Config{}, nil)

	without, err := svc.Score(ctx, Request{UserID: "u2"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, ok := without.QCS.Fractions["bio"]; ok {
		t.Fatalf("no bio expected without description")
	}
	with, err := svc.Score(ctx, Request{UserID: "u2", Description: "Curious, kind and always up for a hike with friends."})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, ok := with.QCS.Fractions["bio"]; !ok {
		t.Fatalf("description should score as bio, got %v", with.QCS.Fractions)
	}

	stored, _ := f.store.GetProfile(ctx, "u2")
	if stored.Bio != nil {
		t.Fatalf("stored profile must not be mutated")
	}
}

func TestScoreCarriesBehaviorScore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.UpsertQCS(ctx, &store.Record{UserID: "u1", BehaviorScore: 42}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resp, err := f.service(t, Config{}, nil).Score(ctx, Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.QCS.BehaviorScore != 42 {
		t.Fatalf("expected behavior score carried forward, got %d", resp.QCS.BehaviorScore)
	}
}

func TestScoreEngineFailureReturnsFallback(t *testing.T) {
	f := newFixture(t, nil)
	svc := f.service(t, Config{}, nil)
	svc.deps.Engine = &scoring.Engine{}

	resp, err := svc.Score(context.Background(), Request{UserID: "u1", RequestID: "req-9"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !resp.FallbackMode || resp.QCS.TotalScore != 60 || resp.Metadata.RequestID != "req-9" {
		t.Fatalf("expected fallback response, got %+v", resp)
	}
	if _, err := f.store.GetQCS(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fallback must not be persisted")
	}
}

func TestScoreEventFailureIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.publisher.err = errors.New("broker down")
	resp, err := f.service(t, Config{}, nil).Score(context.Background(), Request{UserID: "u1"})
	if err != nil || !resp.Success {
		t.Fatalf("publish failure must not fail scoring: %v", err)
	}
}

func TestNewServiceRequiresStores(t *testing.T) {
	if _, err := NewService(Deps{}, Config{}, nil, nil); err == nil {
		t.Fatalf("expected error without stores")
	}
}
