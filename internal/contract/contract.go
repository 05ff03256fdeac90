// Package contract validates market creation requests and derives the
// URL slug a market is published under.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

const (
	MaxQuestionLen = 480
	MaxAnswerLen   = 240
	MaxAnswers     = 100
	maxSlugLen     = 60
)

var (
	ErrInvalidQuestion  = errors.New("contract: invalid question")
	ErrInvalidOutcomes  = errors.New("contract: invalid outcomes")
	ErrInvalidAnte      = errors.New("contract: invalid ante")
	ErrInvalidCloseTime = errors.New("contract: invalid close time")
)

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	answerID     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]*$`)
)

// Definition is a validated market creation request.
type Definition struct {
	Question    string            `json:"question"`
	OutcomeType model.OutcomeType `json:"outcome_type"`
	// Outcomes are the answer ids of a multi-outcome market. Binary markets
	// always trade YES and NO.
	Outcomes    []string        `json:"outcomes,omitempty"`
	Ante        decimal.Decimal `json:"ante"`
	InitialProb decimal.Decimal `json:"initial_prob"`
	CloseTime   *time.Time      `json:"close_time,omitempty"`
}

// Validate checks def against minAnte and now and returns the normalised
// definition: trimmed text, binary outcomes filled in, a default opening
// probability of 0.5.
func Validate(def Definition, minAnte decimal.Decimal, now time.Time) (Definition, error) {
	def.Question = strings.TrimSpace(def.Question)
	if def.Question == "" {
		return Definition{}, fmt.Errorf("%w: question is required", ErrInvalidQuestion)
	}
	if len(def.Question) > MaxQuestionLen {
		return Definition{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidQuestion, MaxQuestionLen)
	}

	if def.OutcomeType == "" {
		def.OutcomeType = model.OutcomeBinary
	}
	switch def.OutcomeType {
	case model.OutcomeBinary:
		if len(def.Outcomes) > 0 {
			return Definition{}, fmt.Errorf("%w: binary markets take no answers", ErrInvalidOutcomes)
		}
		def.Outcomes = []string{model.OutcomeYes, model.OutcomeNo}
		if def.InitialProb.IsZero() {
			def.InitialProb = decimal.NewFromFloat(0.5)
		}
		if !def.InitialProb.IsPositive() || !def.InitialProb.LessThan(decimal.NewFromInt(1)) {
			return Definition{}, fmt.Errorf("%w: initial probability %s outside (0,1)", ErrInvalidOutcomes, def.InitialProb)
		}
	case model.OutcomeMulti:
		answers, err := validateAnswers(def.Outcomes)
		if err != nil {
			return Definition{}, err
		}
		def.Outcomes = answers
		def.InitialProb = decimal.Zero
	default:
		return Definition{}, fmt.Errorf("%w: unknown outcome type %q", ErrInvalidOutcomes, def.OutcomeType)
	}

	if def.Ante.LessThan(minAnte) || !def.Ante.IsPositive() {
		return Definition{}, fmt.Errorf("%w: %s is below the minimum %s", ErrInvalidAnte, def.Ante, minAnte)
	}
	if def.CloseTime != nil && !def.CloseTime.After(now) {
		return Definition{}, fmt.Errorf("%w: %s is not in the future", ErrInvalidCloseTime, def.CloseTime.Format(time.RFC3339))
	}
	return def, nil
}

func validateAnswers(in []string) ([]string, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 answers, got %d", ErrInvalidOutcomes, len(in))
	}
	if len(in) > MaxAnswers {
		return nil, fmt.Errorf("%w: at most %d answers", ErrInvalidOutcomes, MaxAnswers)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if !answerID.MatchString(a) || len(a) > MaxAnswerLen {
			return nil, fmt.Errorf("%w: bad answer %q", ErrInvalidOutcomes, a)
		}
		switch strings.ToUpper(a) {
		case model.ResolutionMKT, model.ResolutionCancel:
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidOutcomes, a)
		}
		if seen[strings.ToLower(a)] {
			return nil, fmt.Errorf("%w: duplicate answer %q", ErrInvalidOutcomes, a)
		}
		seen[strings.ToLower(a)] = true
		out = append(out, a)
	}
	return out, nil
}

// Slug derives a URL slug from a question: lower case, runs of anything
// other than letters and digits collapsed to one hyphen, cut at a word
// boundary.
func Slug(question string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(question), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
		if i := strings.LastIndex(s, "-"); i > 0 {
			s = s[:i]
		}
	}
	if s == "" {
		return "market"
	}
	return s
}
