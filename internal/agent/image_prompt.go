package agent

import (
	"context"
	"fmt"
	"strings"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
)

const defaultMood = "natural daylight"

type ImagePromptRequest struct {
	Needs   entity.NeedVector       `json:"needs"`
	Profile entity.CharacterProfile `json:"profile"`
}

// ImagePromptMapper describes the persona's room from the profile and the strongest needs (Agent4).
type ImagePromptMapper struct {
	catalog *catalog.Catalog
}

func NewImagePromptMapper(c *catalog.Catalog) *ImagePromptMapper {
	return &ImagePromptMapper{catalog: c}
}

func (m *ImagePromptMapper) Map(ctx context.Context, req ImagePromptRequest) (entity.ImagePrompt, error) {
	if err := ctx.Err(); err != nil {
		return entity.ImagePrompt{}, err
	}
	archetype, ok := m.catalog.Archetype(req.Profile.ArchetypeID)
	if !ok {
		return entity.ImagePrompt{}, fmt.Errorf("%w: archetype %q", ErrNoCandidates, req.Profile.ArchetypeID)
	}

	var elements []string
	for _, need := range req.Needs.Top(2) {
		elements = appendUnique(elements, m.catalog.NeedVisuals[need]...)
	}

	mood := m.catalog.StyleMoods[strings.ToLower(req.Profile.ConversationStyle)]
	if mood == "" {
		mood = defaultMood
	}

	room := archetype.Room
	if room == "" {
		room = "a lived-in apartment room"
	}

	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Illustration of %s", room)
	if len(elements) > 0 {
		fmt.Fprintf(sb, ", featuring %s", strings.Join(elements, ", "))
	}
	fmt.Fprintf(sb, ". Lighting: %s. Warm illustrated style, no people, no text.", mood)

	return entity.ImagePrompt{
		ArchetypeID: archetype.ID,
		Elements:    elements,
		Mood:        mood,
		Text:        sb.String(),
	}, nil
}
