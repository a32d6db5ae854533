package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultNGram = 3

// GenderClassifier is a multinomial naive Bayes model over character n-grams of a
// normalized name.
type GenderClassifier struct {
	NGram       int                           `json:"ngram"`
	Alpha       float64                       `json:"alpha"`
	Labels      []string                      `json:"labels"`
	LogPriors   map[string]float64            `json:"log_priors"`
	TokenCounts map[string]map[string]float64 `json:"token_counts"`
	TotalCounts map[string]float64            `json:"total_counts"`
	Vocabulary  int                           `json:"vocabulary"`
}

// TrainGenderClassifier fits the classifier on parallel name/label slices.
func TrainGenderClassifier(names, labels []string, ngram int, alpha float64) (*GenderClassifier, error) {
	if len(names) == 0 {
		return nil, errors.New("no training names")
	}
	if len(names) != len(labels) {
		return nil, errors.New("names and labels size mismatch")
	}
	if ngram <= 0 {
		ngram = defaultNGram
	}
	if alpha <= 0 {
		alpha = 1
	}

	gc := &GenderClassifier{
		NGram:       ngram,
		Alpha:       alpha,
		LogPriors:   make(map[string]float64),
		TokenCounts: make(map[string]map[string]float64),
		TotalCounts: make(map[string]float64),
	}
	docs := make(map[string]float64)
	vocab := make(map[string]struct{})
	for i, name := range names {
		label := strings.TrimSpace(labels[i])
		if label == "" {
			continue
		}
		tokens := nameTokens(name, ngram)
		if len(tokens) == 0 {
			continue
		}
		docs[label]++
		if gc.TokenCounts[label] == nil {
			gc.TokenCounts[label] = make(map[string]float64)
		}
		for _, tok := range tokens {
			gc.TokenCounts[label][tok]++
			gc.TotalCounts[label]++
			vocab[tok] = struct{}{}
		}
	}
	if len(docs) == 0 {
		return nil, errors.New("no usable training rows")
	}

	var total float64
	for label, n := range docs {
		gc.Labels = append(gc.Labels, label)
		total += n
	}
	sort.Strings(gc.Labels)
	for label, n := range docs {
		gc.LogPriors[label] = math.Log(n / total)
	}
	gc.Vocabulary = len(vocab)
	return gc, nil
}

// PredictGender rejects an empty name and otherwise always returns one of the
// trained labels, including for names never seen in training. A name with no
// letters falls back to the label priors.
func (gc *GenderClassifier) PredictGender(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", NewValidationError("name", "is required")
	}
	if len(gc.Labels) == 0 {
		return "", predictionError("classifier has no labels")
	}

	tokens := nameTokens(name, gc.NGram)
	best := ""
	bestScore := math.Inf(-1)
	for _, label := range gc.Labels {
		score := gc.LogPriors[label]
		denom := gc.TotalCounts[label] + gc.Alpha*float64(gc.Vocabulary+1)
		counts := gc.TokenCounts[label]
		for _, tok := range tokens {
			score += math.Log((counts[tok] + gc.Alpha) / denom)
		}
		if score > bestScore {
			bestScore = score
			best = label
		}
	}
	return best, nil
}

func (gc *GenderClassifier) validate() error {
	if len(gc.Labels) == 0 {
		return errors.New("gender model has no labels")
	}
	for _, label := range gc.Labels {
		if _, ok := gc.LogPriors[label]; !ok {
			return fmt.Errorf("gender model missing prior for %q", label)
		}
	}
	if gc.NGram <= 0 {
		gc.NGram = defaultNGram
	}
	if gc.Alpha <= 0 {
		gc.Alpha = 1
	}
	return nil
}

// LoadGenderClassifier reads a classifier written by the trainer.
func LoadGenderClassifier(path string) (*GenderClassifier, error) {
	var gc GenderClassifier
	if err := readJSON(path, &gc); err != nil {
		return nil, err
	}
	if err := gc.validate(); err != nil {
		return nil, err
	}
	return &gc, nil
}

// NormalizeName folds case, strips accents and collapses whitespace, so "JOSÉ  Silva"
// and "jose silva" share features.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = strings.ToLower(name)
	}
	return strings.Join(strings.Fields(folded), " ")
}

// nameTokens yields padded character n-grams of the first name plus a whole-name token.
func nameTokens(name string, n int) []string {
	normalized := NormalizeName(name)
	if normalized == "" {
		return nil
	}
	first := strings.Fields(normalized)[0]
	padded := []rune("^" + first + "$")
	tokens := make([]string, 0, len(padded)+1)
	tokens = append(tokens, "w:"+first)
	if len(padded) <= n {
		return append(tokens, string(padded))
	}
	for i := 0; i+n <= len(padded); i++ {
		tokens = append(tokens, string(padded[i:i+n]))
	}
	return tokens
}
