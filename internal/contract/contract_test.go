package contract

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestValidate_BinaryDefaults(t *testing.T) {
	def, err := Validate(Definition{Question: "  Will it rain in Lisbon tomorrow?  ", Ante: d(100)}, d(50), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Question != "Will it rain in Lisbon tomorrow?" {
		t.Errorf("expected trimmed question, got %q", def.Question)
	}
	if def.OutcomeType != model.OutcomeBinary {
		t.Errorf("expected BINARY, got %s", def.OutcomeType)
	}
	if len(def.Outcomes) != 2 || def.Outcomes[0] != model.OutcomeYes || def.Outcomes[1] != model.OutcomeNo {
		t.Errorf("expected YES/NO outcomes, got %v", def.Outcomes)
	}
	if !def.InitialProb.Equal(d(0.5)) {
		t.Errorf("expected initial prob 0.5, got %s", def.InitialProb)
	}
}

func TestValidate_Multi(t *testing.T) {
	def, err := Validate(Definition{
		Question: "Who wins?", OutcomeType: model.OutcomeMulti,
		Outcomes: []string{"Alpha", " Beta ", "Gamma"}, Ante: d(100),
	}, d(50), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(def.Outcomes) != 3 || def.Outcomes[1] != "Beta" {
		t.Errorf("expected trimmed answers, got %v", def.Outcomes)
	}
}

func TestValidate_Rejects(t *testing.T) {
	past := now.Add(-time.Hour)
	tests := []struct {
		name string
		def  Definition
		want error
	}{
		{"empty-question", Definition{Question: "  ", Ante: d(100)}, ErrInvalidQuestion},
		{"long-question", Definition{Question: strings.Repeat("x", MaxQuestionLen+1), Ante: d(100)}, ErrInvalidQuestion},
		{"low-ante", Definition{Question: "q", Ante: d(10)}, ErrInvalidAnte},
		{"past-close", Definition{Question: "q", Ante: d(100), CloseTime: &past}, ErrInvalidCloseTime},
		{"binary-with-answers", Definition{Question: "q", Ante: d(100), Outcomes: []string{"A", "B"}}, ErrInvalidOutcomes},
		{"bad-prob", Definition{Question: "q", Ante: d(100), InitialProb: d(1)}, ErrInvalidOutcomes},
		{"one-answer", Definition{Question: "q", Ante: d(100), OutcomeType: model.OutcomeMulti, Outcomes: []string{"A"}}, ErrInvalidOutcomes},
		{"duplicate-answer", Definition{Question: "q", Ante: d(100), OutcomeType: model.OutcomeMulti, Outcomes: []string{"A", "a"}}, ErrInvalidOutcomes},
		{"reserved-answer", Definition{Question: "q", Ante: d(100), OutcomeType: model.OutcomeMulti, Outcomes: []string{"A", "cancel"}}, ErrInvalidOutcomes},
		{"unknown-type", Definition{Question: "q", Ante: d(100), OutcomeType: "SCALAR"}, ErrInvalidOutcomes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Validate(tt.def, d(50), now); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Will it rain in Lisbon tomorrow?": "will-it-rain-in-lisbon-tomorrow",
		"  BTC > $100k by 2027??  ":        "btc-100k-by-2027",
		"???":                              "market",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}

	long := Slug(strings.Repeat("word ", 40))
	if len(long) > maxSlugLen || strings.HasSuffix(long, "-") {
		t.Errorf("long slug not cut at a word boundary: %q", long)
	}
}
