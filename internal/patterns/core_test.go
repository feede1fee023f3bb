package patterns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"listing-sniper-bot/internal/events"

	"github.com/rs/zerolog"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type memRecorder struct {
	stored []PatternMatch
	err    error
}

func (m *memRecorder) Store(ctx context.Context, match PatternMatch) error {
	if m.err != nil {
		return m.err
	}
	m.stored = append(m.stored, match)
	return nil
}

func newTestCore(rec Recorder, pub Publisher, cfg CoreConfig) *DetectionCore {
	return NewDetectionCore(newTestAnalyzer(nil), rec, pub, cfg, zerolog.Nop()).
		WithClock(func() time.Time { return testNow })
}

func TestAnalyzeAggregatesAndEmits(t *testing.T) {
	pub := &capturePublisher{}
	rec := &memRecorder{}
	core := newTestCore(rec, pub, CoreConfig{MinConfidence: 60, StorePatterns: true})

	res := core.Analyze(context.Background(), AnalysisRequest{
		Symbols: []SymbolStatus{
			{Code: "c1", Symbol: "READYUSDT", Status: ReadyVector},
			{Code: "c2", Symbol: "EARLYUSDT", Status: StatusVector{1, 1, 1}},
			{Code: "c3", Symbol: "NEARUSDT", Status: StatusVector{2, 2, 1}},
		},
		Calendar: []CalendarEntry{
			{CoinID: "v1", Symbol: "NEWUSDT", ProjectName: "New AI Protocol", FirstOpenTime: testNow.Add(8 * time.Hour)},
		},
		Source: "test",
	})

	if res.Summary.TotalPatterns != 4 {
		t.Fatalf("Expected 4 patterns, got %d: %+v", res.Summary.TotalPatterns, res.Matches)
	}
	if res.Summary.ReadyStateFound != 1 || res.Summary.PreReadyFound != 2 || res.Summary.AdvanceOpportunities != 1 {
		t.Errorf("Unexpected summary %+v", res.Summary)
	}
	if len(res.Recommendations.Immediate) != 1 || len(res.Recommendations.Monitor) != 1 || len(res.Recommendations.Prepare) != 2 {
		t.Errorf("Unexpected recommendation groups %+v", res.Recommendations)
	}

	dist := res.ConfidenceDistribution
	if dist.From50 != 1 || dist.From85Up != 3 || dist.Below50 != 0 || dist.From70 != 0 {
		t.Errorf("Unexpected distribution %+v", dist)
	}

	if len(pub.events) != 3 {
		t.Fatalf("Expected one event per pattern type, got %d", len(pub.events))
	}
	for _, e := range pub.events {
		payload, ok := e.Data.(DetectedEvent)
		if !ok {
			t.Fatalf("Expected DetectedEvent payload, got %T", e.Data)
		}
		if payload.Metadata.Source != "test" {
			t.Errorf("Expected source test, got %s", payload.Metadata.Source)
		}
		for _, m := range payload.Matches {
			if m.PatternType != payload.PatternType {
				t.Errorf("Event for %s carries %s match", payload.PatternType, m.PatternType)
			}
		}
	}

	if len(rec.stored) != 4 {
		t.Errorf("Expected 4 stored patterns, got %d", len(rec.stored))
	}
	if m := core.Metrics(); m.TotalAnalyses != 1 || m.TotalPatterns != 4 {
		t.Errorf("Unexpected metrics %+v", m)
	}
}

func TestAnalyzeThresholdOverride(t *testing.T) {
	core := newTestCore(nil, nil, CoreConfig{MinConfidence: 60})
	threshold := 80.0

	res := core.Analyze(context.Background(), AnalysisRequest{
		Symbols: []SymbolStatus{
			{Symbol: "EARLYUSDT", Status: StatusVector{1, 1, 1}},
			{Symbol: "MIDUSDT", Status: StatusVector{2, 1, 1}},
			{Symbol: "NEARUSDT", Status: StatusVector{2, 2, 1}},
		},
		ConfidenceThreshold: &threshold,
	})

	if len(res.Matches) != 1 || res.Matches[0].Symbol != "NEARUSDT" {
		t.Errorf("Expected only the 85%% tier to pass threshold 80, got %+v", res.Matches)
	}
	if res.Metadata.Threshold != 80 {
		t.Errorf("Expected threshold 80 in metadata, got %f", res.Metadata.Threshold)
	}
}

type panicRecorder struct{}

func (panicRecorder) Store(ctx context.Context, match PatternMatch) error {
	panic("storage exploded")
}

func TestAnalyzeRecoversFromPanic(t *testing.T) {
	core := newTestCore(panicRecorder{}, nil, CoreConfig{MinConfidence: 60, StorePatterns: true})

	res := core.Analyze(context.Background(), AnalysisRequest{
		Symbols: []SymbolStatus{{Code: "c", Symbol: "X", Status: ReadyVector}},
	})

	if res == nil {
		t.Fatal("Expected a well-formed result")
	}
	if res.Metadata.Error == "" {
		t.Error("Expected error in metadata")
	}
	if res.Matches == nil || len(res.Matches) != 0 {
		t.Errorf("Expected empty non-nil matches, got %v", res.Matches)
	}
	if core.Metrics().Errors != 1 {
		t.Errorf("Expected 1 error counted, got %d", core.Metrics().Errors)
	}
}

func TestStoreFailureIsWarning(t *testing.T) {
	core := newTestCore(&memRecorder{err: errors.New("db down")}, nil, CoreConfig{MinConfidence: 60, StorePatterns: true})

	res := core.Analyze(context.Background(), AnalysisRequest{
		Symbols: []SymbolStatus{{Code: "c", Symbol: "READYUSDT", Status: ReadyVector}},
	})

	if len(res.Matches) != 1 {
		t.Errorf("Expected detection to succeed despite storage failure, got %d", len(res.Matches))
	}
	if core.Metrics().Warnings != 1 {
		t.Errorf("Expected 1 warning, got %d", core.Metrics().Warnings)
	}
}

func TestLegacyCallsEmit(t *testing.T) {
	pub := &capturePublisher{}
	core := newTestCore(nil, pub, CoreConfig{MinConfidence: 60})
	ctx := context.Background()

	ready := core.DetectReadyStatePattern(ctx, []SymbolStatus{{Code: "c", Symbol: "READYUSDT", Status: ReadyVector}})
	pre := core.DetectPreReadyPatterns(ctx, []SymbolStatus{{Symbol: "MIDUSDT", Status: StatusVector{2, 1, 1}}})
	adv := core.DetectAdvanceOpportunities(ctx, []CalendarEntry{{Symbol: "SOONUSDT", FirstOpenTime: testNow.Add(time.Hour)}})

	if len(ready) != 1 || len(pre) != 1 || len(adv) != 0 {
		t.Errorf("Expected 1/1/0 matches, got %d/%d/%d", len(ready), len(pre), len(adv))
	}
	if len(pub.events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(pub.events))
	}
}
