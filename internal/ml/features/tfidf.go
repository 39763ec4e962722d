// Package features turns record texts into feature matrices.
package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/pkg/logger"
)

// TFIDF is a bag-of-ngrams tf-idf extractor with smoothed idf and l2
// normalised rows. The vocabulary is sorted, so the same texts always give
// the same matrix.
type TFIDF struct {
	ngramMax    int
	minDF       int
	sublinearTF bool
}

func NewTFIDF(params map[string]any) (ml.FeatureExtractor, error) {
	ngramMax, err := ml.ParamInt(params, "ngram_max", 1)
	if err != nil {
		return nil, err
	}
	minDF, err := ml.ParamInt(params, "min_df", 1)
	if err != nil {
		return nil, err
	}
	sublinear := false
	if v, ok := params["sublinear_tf"].(bool); ok {
		sublinear = v
	}
	if ngramMax < 1 || ngramMax > 3 {
		return nil, fmt.Errorf("ngram_max must be between 1 and 3, got %d", ngramMax)
	}
	if minDF < 1 {
		return nil, fmt.Errorf("min_df must be at least 1, got %d", minDF)
	}
	return &TFIDF{ngramMax: ngramMax, minDF: minDF, sublinearTF: sublinear}, nil
}

func (t *TFIDF) Name() string { return "tfidf" }

func (t *TFIDF) FitTransform(ctx context.Context, texts []string) (*ml.Matrix, error) {
	docs := make([]map[string]float64, len(texts))
	df := make(map[string]int)

	for i, text := range texts {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tokens, err := Tokenize(text)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize record %d: %w", i, err)
		}
		tf := make(map[string]float64)
		for n := 1; n <= t.ngramMax; n++ {
			for k := 0; k+n <= len(tokens); k++ {
				tf[strings.Join(tokens[k:k+n], " ")]++
			}
		}
		for term := range tf {
			df[term]++
		}
		docs[i] = tf
	}

	vocab := make([]string, 0, len(df))
	for term, n := range df {
		if n >= t.minDF {
			vocab = append(vocab, term)
		}
	}
	sort.Strings(vocab)
	column := make(map[string]int, len(vocab))
	for j, term := range vocab {
		column[term] = j
	}

	nDocs := float64(len(texts))
	idf := make([]float64, len(vocab))
	for j, term := range vocab {
		idf[j] = math.Log((1+nDocs)/(1+float64(df[term]))) + 1
	}

	m := &ml.Matrix{Cols: len(vocab), Rows: make([]ml.Vector, len(texts))}
	for i, tf := range docs {
		var row ml.Vector
		for term, count := range tf {
			j, ok := column[term]
			if !ok {
				continue
			}
			w := count
			if t.sublinearTF {
				w = 1 + math.Log(count)
			}
			row.Indices = append(row.Indices, j)
			row.Values = append(row.Values, w*idf[j])
		}
		sortRow(&row)
		if norm := row.Norm(); norm > 0 {
			for k := range row.Values {
				row.Values[k] /= norm
			}
		}
		m.Rows[i] = row
	}

	logger.Debug("TF-IDF features extracted",
		zap.Int("records", len(texts)),
		zap.Int("vocabulary", len(vocab)),
	)
	return m, nil
}

// Tokenize cleans text and splits it into lower-case word tokens.
// Punctuation-only tokens are dropped.
func Tokenize(text string) ([]string, error) {
	text = CleanText(text)
	if text == "" {
		return nil, nil
	}
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, tok := range doc.Tokens() {
		if !hasWordRune(tok.Text) {
			continue
		}
		tokens = append(tokens, strings.ToLower(tok.Text))
	}
	return tokens, nil
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func sortRow(v *ml.Vector) {
	idx := make([]int, len(v.Indices))
	for k := range idx {
		idx[k] = k
	}
	sort.Slice(idx, func(a, b int) bool { return v.Indices[idx[a]] < v.Indices[idx[b]] })

	indices := make([]int, len(idx))
	values := make([]float64, len(idx))
	for k, p := range idx {
		indices[k] = v.Indices[p]
		values[k] = v.Values[p]
	}
	v.Indices, v.Values = indices, values
}
