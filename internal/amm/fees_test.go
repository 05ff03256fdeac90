package amm

import (
	"errors"
	"testing"

	"github.com/manaforge/market-engine/internal/model"
)

func TestFeeSchedule_Apply(t *testing.T) {
	s := FeeSchedule{Flat: d(0.5), PlatformRate: d(0.01), CreatorRate: d(0.02), LiquidityRate: d(0.03)}

	net, fees, err := s.Apply(d(100), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fees.Total().Equal(d(6.5)) {
		t.Errorf("expected total fees 6.5, got %s", fees.Total())
	}
	if !net.Equal(d(93.5)) {
		t.Errorf("expected net 93.5, got %s", net)
	}

	_, exempt, err := s.Apply(d(100), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exempt.Creator.IsZero() {
		t.Errorf("expected creator fee waived, got %s", exempt.Creator)
	}
}

func TestFeeSchedule_FeesConsumeAmount(t *testing.T) {
	s := FeeSchedule{Flat: d(1)}
	if _, _, err := s.Apply(d(1), false); !errors.Is(err, model.ErrInvalidTrade) {
		t.Errorf("expected ErrInvalidTrade, got %v", err)
	}
}

func TestFeeSchedule_ZeroIsFree(t *testing.T) {
	net, fees, err := FeeSchedule{}.Apply(d(42), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !net.Equal(d(42)) || !fees.Total().IsZero() {
		t.Errorf("expected no fees, got net=%s fees=%s", net, fees.Total())
	}
}

func TestFeeSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       FeeSchedule
		wantErr bool
	}{
		{"zero", FeeSchedule{}, false},
		{"typical", FeeSchedule{PlatformRate: d(0.01), CreatorRate: d(0.01)}, false},
		{"negative flat", FeeSchedule{Flat: d(-1)}, true},
		{"rates reach one", FeeSchedule{PlatformRate: d(0.5), LiquidityRate: d(0.5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
