package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "embed"

	"github.com/spigell/qcs-matcher/internal/utils"
	"go.uber.org/zap"
)

//go:embed prompt.md
var promptTemplate string

const (
	systemPrompt = "You are a careful dating-profile reviewer. You answer with a single JSON object."

	maxNoteRunes = 500
)

// ErrInvalidScore is returned when the model's answer has no usable score.
var ErrInvalidScore = errors.New("ai response has no numeric score")

// completer is the part of Client the Scorer needs.
type completer interface {
	Complete(ctx context.Context, messages []Message, preferredModel string) (*Result, error)
}

// ScoreInput is the context sent to the model.
type ScoreInput struct {
	UserID         string
	Profile        any
	LogicScore     int
	Physical       string
	Mental         string
	PreferredModel string
}

// Assessment is the model's verdict.
type Assessment struct {
	Score    int
	Reason   string
	Model    string
	Attempts int
	Salvaged bool
	Raw      string
}

// Scorer asks a model to score a profile.
type Scorer struct {
	client    completer
	logger    *zap.Logger
	maxLogLen int
}

// NewScorer creates a Scorer on top of client.
func NewScorer(client completer, logger *zap.Logger, maxLogLength int) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	return &Scorer{client: client, logger: logger, maxLogLen: maxLogLength}
}

// Score builds the prompt, runs the completion and coerces the score into
// [0,100].
func (s *Scorer) Score(ctx context.Context, in ScoreInput) (*Assessment, error) {
	profileJSON, err := json.MarshalIndent(in.Profile, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal profile payload: %w", err)
	}

	prompt := buildPrompt(string(profileJSON), in.LogicScore, in.Physical, in.Mental)

	s.logger.Debug("ai score request",
		zap.String("user_id", in.UserID),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.maxLogLen)),
	)

	res, err := s.client.Complete(ctx, []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: prompt},
	}, in.PreferredModel)
	if err != nil {
		return nil, err
	}

	score := coerceFloat(res.Data["score"])
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScore, utils.TruncateForLog(res.Content, s.maxLogLen))
	}

	return &Assessment{
		Score:    clampScore(int(math.Round(score))),
		Reason:   coerceString(res.Data["reason"]),
		Model:    res.Model,
		Attempts: res.Attempts,
		Salvaged: res.Salvaged,
		Raw:      res.Content,
	}, nil
}

func buildPrompt(profileJSON string, logicScore int, physical, mental string) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Profile:\n{{PROFILE_JSON}}\n\nRubric score: {{LOGIC_SCORE}}\n\nJSON Response:"
	}
	return strings.NewReplacer(
		"{{PROFILE_JSON}}", profileJSON,
		"{{LOGIC_SCORE}}", strconv.Itoa(logicScore),
		"{{PHYSICAL}}", noteOrNone(physical),
		"{{MENTAL}}", noteOrNone(mental),
	).Replace(template)
}

func noteOrNone(s string) string {
	if s = utils.SingleLine(s, maxNoteRunes); s == "" {
		return "none"
	}
	return s
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
