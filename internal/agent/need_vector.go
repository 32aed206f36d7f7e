package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
)

const (
	needSourceLexicon = "lexicon"
	needSourceDefault = "default"
)

type NeedRequest struct {
	UserData entity.UserData `json:"user_data"`
}

// NeedVectorExtractor scores the onboarding answers over the need taxonomy (Agent1).
type NeedVectorExtractor struct {
	catalog *catalog.Catalog
	text    TextGenerator
	timeout time.Duration
}

func NewNeedVectorExtractor(c *catalog.Catalog, text TextGenerator, timeout time.Duration) *NeedVectorExtractor {
	return &NeedVectorExtractor{catalog: c, text: text, timeout: timeout}
}

func (e *NeedVectorExtractor) Extract(ctx context.Context, req NeedRequest) (entity.NeedVector, error) {
	if req.UserData.Empty() {
		return entity.NeedVector{}, ErrEmptyAnswers
	}
	if e.text == nil {
		return e.lexical(req.UserData), nil
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.text.GenerateText(ctx, needPrompt(req.UserData))
	if err != nil {
		return entity.NeedVector{}, fmt.Errorf("need extraction: %w", err)
	}
	scores, err := parseModelPayload[map[string]float64](raw)
	if err != nil {
		return entity.NeedVector{}, fmt.Errorf("%w: need scores: %v", ErrInvalidModelOutput, err)
	}

	v := entity.NeedVector{Scores: make(map[entity.NeedCategory]float64, len(entity.NeedCategories)), Source: SourceModel}
	for _, c := range entity.NeedCategories {
		v.Scores[c] = 0
	}
	for key, score := range scores {
		c := entity.NeedCategory(strings.ToLower(strings.TrimSpace(key)))
		if !c.Valid() {
			continue
		}
		v.Scores[c] = clamp01(score)
	}
	return v, nil
}

// lexical counts lexicon hits per need and normalises by the strongest one.
func (e *NeedVectorExtractor) lexical(d entity.UserData) entity.NeedVector {
	avoid := map[string]bool{}
	for _, t := range tokenize(d.AvoidTopics) {
		avoid[t] = true
	}

	terms := map[string][]entity.NeedCategory{}
	for need, words := range e.catalog.Lexicon {
		for _, w := range words {
			w = strings.ToLower(w)
			terms[w] = append(terms[w], need)
		}
	}

	hits := map[entity.NeedCategory]float64{}
	best := 0.0
	for _, tok := range tokenize(d.Domains, d.Keywords, d.Interests) {
		if avoid[tok] {
			continue
		}
		for _, need := range terms[tok] {
			hits[need]++
			if hits[need] > best {
				best = hits[need]
			}
		}
	}

	v := entity.NeedVector{Scores: make(map[entity.NeedCategory]float64, len(entity.NeedCategories)), Source: needSourceLexicon}
	for _, c := range entity.NeedCategories {
		if best > 0 {
			v.Scores[c] = math.Round(hits[c]/best*100) / 100
		} else {
			v.Scores[c] = clamp01(e.catalog.DefaultNeeds[c])
		}
	}
	if best == 0 {
		v.Source = needSourceDefault
	}
	return v
}

func needPrompt(d entity.UserData) string {
	answers, _ := json.Marshal(d)
	names := make([]string, len(entity.NeedCategories))
	for i, c := range entity.NeedCategories {
		names[i] = string(c)
	}
	sb := &strings.Builder{}
	sb.WriteString("You analyse onboarding answers of a chat app user to find which psychological needs a roommate persona should serve. ")
	fmt.Fprintf(sb, "Respond strictly with one JSON object whose keys are exactly %s and whose values are intensities between 0 and 1. ", strings.Join(names, ", "))
	sb.WriteString("Topics listed under avoid_topics must not raise any score. Answers: ")
	sb.Write(answers)
	return sb.String()
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
