package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
)

const (
	minTimingStrength     = 0.5
	minSectorStrength     = 0.3
	minSimilarityStrength = 0.3
	maxSimilaritySymbols  = 100
)

// AnalyzeCorrelations groups symbols by shared status, sector and embedding similarity.
// Fewer than two valid symbols yield no correlations.
func (a *Analyzer) AnalyzeCorrelations(ctx context.Context, symbols []SymbolStatus) (out []CorrelationAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("correlation analysis panicked")
			out = nil
		}
	}()

	valid := make([]SymbolStatus, 0, len(symbols))
	for _, s := range symbols {
		if s.Validate() == nil {
			valid = append(valid, s)
		}
	}
	if len(valid) < 2 {
		return nil
	}

	out = append(out, timingCorrelations(valid)...)
	out = append(out, sectorCorrelations(valid)...)
	if a.embedder != nil {
		out = append(out, a.similarityCorrelations(valid)...)
	}
	return out
}

func timingCorrelations(symbols []SymbolStatus) []CorrelationAnalysis {
	buckets := make(map[StatusVector][]string)
	for _, s := range symbols {
		buckets[s.Status] = append(buckets[s.Status], s.Identifier())
	}

	var out []CorrelationAnalysis
	for _, v := range sortedVectors(buckets) {
		group := buckets[v]
		if len(group) < 2 {
			continue
		}
		strength := float64(len(group)) / float64(len(symbols))
		if strength < minTimingStrength {
			continue
		}
		rec := "monitor_cluster"
		if v == ReadyVector {
			rec = "stagger_entries"
		}
		out = append(out, CorrelationAnalysis{
			Type:           CorrelationTiming,
			Symbols:        group,
			Strength:       strength,
			Description:    fmt.Sprintf("%d of %d symbols share status %s", len(group), len(symbols), v),
			Recommendation: rec,
		})
	}
	return out
}

func sortedVectors(m map[StatusVector][]string) []StatusVector {
	keys := make([]StatusVector, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func sectorCorrelations(symbols []SymbolStatus) []CorrelationAnalysis {
	groups := make(map[string][]string)
	for _, s := range symbols {
		sector := ClassifyProject(s.Symbol)
		if sector == SectorOther {
			continue
		}
		groups[sector] = append(groups[sector], s.Identifier())
	}

	sectors := make([]string, 0, len(groups))
	for k := range groups {
		sectors = append(sectors, k)
	}
	sort.Strings(sectors)

	var out []CorrelationAnalysis
	for _, sector := range sectors {
		group := groups[sector]
		if len(group) < 2 {
			continue
		}
		strength := float64(len(group)) / float64(len(symbols))
		if strength < minSectorStrength {
			continue
		}
		out = append(out, CorrelationAnalysis{
			Type:           CorrelationSector,
			Symbols:        group,
			Strength:       strength,
			Description:    fmt.Sprintf("%d %s listings in the same pass", len(group), sector),
			Recommendation: "diversify_exposure",
		})
	}
	return out
}

func (a *Analyzer) similarityCorrelations(symbols []SymbolStatus) []CorrelationAnalysis {
	if len(symbols) > maxSimilaritySymbols {
		symbols = symbols[:maxSimilaritySymbols]
	}

	vectors := make([][]float64, len(symbols))
	for i, s := range symbols {
		vectors[i] = a.embedder.Embed(EmbeddingText(s.Identifier(), PatternReadyState, s.Status))
	}

	var out []CorrelationAnalysis
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			sim := CosineSimilarity(vectors[i], vectors[j])
			if sim < minSimilarityStrength {
				continue
			}
			out = append(out, CorrelationAnalysis{
				Type:           CorrelationSimilarity,
				Symbols:        []string{symbols[i].Identifier(), symbols[j].Identifier()},
				Strength:       sim,
				Description:    fmt.Sprintf("embedding similarity %.2f", sim),
				Recommendation: "review_together",
			})
		}
	}
	return out
}

// CosineSimilarity returns 0 for mismatched or zero-length vectors
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
