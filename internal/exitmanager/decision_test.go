package exitmanager

import (
	"math"
	"testing"

	"listing-sniper-bot/internal/execution"
)

func testPosition(stage int) execution.Position {
	return execution.Position{
		ID:               "pos-1",
		Owner:            execution.DefaultOwner,
		Symbol:           "ABCUSDT",
		EntryPrice:       100,
		Quantity:         10,
		OriginalQuantity: 10,
		ExitStage:        stage,
		Status:           execution.PositionFilled,
	}
}

var testLadder = []Level{{1.1, 25}, {1.2, 50}, {1.5, 100}}

func TestDecideLadderPicksHighestQualifyingLevel(t *testing.T) {
	tests := []struct {
		name    string
		ladder  []Level
		price   float64
		stage   int
		exit    bool
		qty     float64
		reached int
	}{
		{"below first rung", testLadder, 105, 0, false, 0, 0},
		{"between 1.2 and 1.5", testLadder, 125, 0, true, 5, 2},
		{"unordered ladder", []Level{{1.5, 100}, {1.1, 25}, {1.2, 50}}, 125, 0, true, 5, 2},
		{"rung already taken", testLadder, 125, 2, false, 0, 0},
		{"top rung sells all", testLadder, 160, 2, true, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(Candidate{Position: testPosition(tt.stage)}, tt.price, tt.ladder, 5)
			if d.Exit != tt.exit {
				t.Fatalf("Expected exit=%v, got %+v", tt.exit, d)
			}
			if !tt.exit {
				return
			}
			if d.Reason != execution.ReasonLadder {
				t.Errorf("Expected ladder reason, got %s", d.Reason)
			}
			if math.Abs(d.Quantity-tt.qty) > 1e-9 {
				t.Errorf("Expected quantity %f, got %f", tt.qty, d.Quantity)
			}
			if d.Stage != tt.reached {
				t.Errorf("Expected stage %d, got %d", tt.reached, d.Stage)
			}
		})
	}
}

func TestDecideStopLossWinsOverTakeProfit(t *testing.T) {
	pref := &Preference{Owner: execution.DefaultOwner, Custom: []TakeProfitLevel{{Level: 1, ProfitPercent: -50, SellPercent: 50}}}
	ladder := []Level{{0.5, 100}}

	for _, c := range []Candidate{
		{Position: testPosition(0)},
		{Position: testPosition(0), Preference: pref},
	} {
		d := Decide(c, 90, ladder, 5)
		if !d.Exit || d.Reason != execution.ReasonStopLoss || d.Quantity != 0 {
			t.Errorf("Expected full stop_loss exit, got %+v", d)
		}
	}
}

func TestDecidePreferenceTakesPrecedence(t *testing.T) {
	pref := &Preference{Owner: execution.DefaultOwner, Preset: "balanced"}
	c := Candidate{Position: testPosition(0), Preference: pref}

	// +12% reaches balanced levels 1 and 2 but no ladder rung
	d := Decide(c, 112, testLadder, 5)
	if !d.Exit || d.Reason != execution.ReasonTakeProfit || d.Stage != 2 {
		t.Fatalf("Expected take-profit level 2, got %+v", d)
	}
	if math.Abs(d.Quantity-2.5) > 1e-9 {
		t.Errorf("Expected 25%% of original quantity, got %f", d.Quantity)
	}

	// +30% crosses ladder 1.2 but the preference still governs
	d = Decide(c, 130, testLadder, 5)
	if d.Reason != execution.ReasonTakeProfit || d.Stage != 3 {
		t.Errorf("Expected take-profit level 3, got %+v", d)
	}
}

func TestDecidePreferenceStopLoss(t *testing.T) {
	pref := &Preference{Owner: execution.DefaultOwner, Preset: "aggressive", StopLossPercent: 8}
	d := Decide(Candidate{Position: testPosition(0), Preference: pref}, 94, testLadder, 5)
	if d.Exit {
		t.Errorf("Expected preference stop-loss of 8%% to hold at -6%%, got %+v", d)
	}
}

func TestDecideUsesEntryExecutionPrice(t *testing.T) {
	c := Candidate{Position: testPosition(0), EntryPrice: 80}
	d := Decide(c, 100, testLadder, 5)
	if !d.Exit || d.Stage != 2 {
		t.Errorf("Expected ratio 1.25 from execution price, got %+v", d)
	}
}

func TestDecideIgnoresBadPrices(t *testing.T) {
	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if d := Decide(Candidate{Position: testPosition(0)}, price, testLadder, 5); d.Exit {
			t.Errorf("Expected no exit at price %f, got %+v", price, d)
		}
	}
}

func TestPresetsAndValidation(t *testing.T) {
	for _, name := range PresetNames() {
		s, err := Preset(name)
		if err != nil {
			t.Fatalf("Expected preset %s, got %v", name, err)
		}
		if len(s.Levels) == 0 || len(s.TakeProfit) == 0 || s.StopLossPercent <= 0 {
			t.Errorf("Expected complete preset %s, got %+v", name, s)
		}
	}
	if _, err := Preset("yolo"); err == nil {
		t.Error("Expected unknown preset error")
	}

	tests := []struct {
		name    string
		pref    Preference
		wantErr bool
	}{
		{"preset", Preference{Owner: "a", Preset: "conservative"}, false},
		{"custom", Preference{Owner: "a", Custom: []TakeProfitLevel{{Level: 1, ProfitPercent: 5, SellPercent: 50}}}, false},
		{"no owner", Preference{Preset: "balanced"}, true},
		{"empty", Preference{Owner: "a"}, true},
		{"unknown preset", Preference{Owner: "a", Preset: "yolo"}, true},
		{"oversell", Preference{Owner: "a", Custom: []TakeProfitLevel{{Level: 1, ProfitPercent: 5, SellPercent: 150}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.pref.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
