package service

import (
	"strings"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/entity"
)

// QualityScorer rates a finished run from 0 to 100.
type QualityScorer interface {
	Score(out entity.PipelineOutput) int
}

// CompletenessScorer gives up to 80 points for generated fields being filled
// and up to 20 for stages that got their answer from a remote model.
type CompletenessScorer struct{}

func (CompletenessScorer) Score(out entity.PipelineOutput) int {
	score := 0

	p := out.Profile
	for _, ok := range []bool{
		p.PersonaName != "",
		p.ArchetypeID != "",
		len(p.Traits) > 0,
		len(p.Experiences) > 0,
		p.ConversationStyle != "" && p.ResponseLength != "",
	} {
		if ok {
			score += 6
		}
	}

	if text := strings.TrimSpace(out.Prompt.Text); text != "" {
		score += 15
		if p.PersonaName != "" && strings.Contains(text, p.PersonaName) {
			score += 5
		}
	}
	if strings.TrimSpace(out.ImagePrompt.Text) != "" {
		score += 10
		if len(out.ImagePrompt.Elements) > 0 {
			score += 5
		}
	}
	if out.Asset.ImageRef != "" {
		score += 15
	}

	if out.NeedVector.Source == agent.SourceModel {
		score += 7
	}
	if p.Source == agent.SourceModel {
		score += 7
	}
	if out.Asset.Source == entity.AssetGenerated {
		score += 6
	}

	if score > 100 {
		score = 100
	}
	return score
}
