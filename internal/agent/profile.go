package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
)

const (
	profileSourceRanked = "ranked"

	offeredArchetypes  = 3
	offeredExperiences = 6
	keptExperiences    = 3
	defaultLength      = "medium"
)

type ProfileRequest struct {
	UserID      string             `json:"user_id"`
	AvoidTopics []string           `json:"avoid_topics,omitempty"`
	Preferences entity.Preferences `json:"preferences"`
	Needs       entity.NeedVector  `json:"needs"`
}

// ProfileAssembler turns a need vector into a CharacterProfile (Agent2).
type ProfileAssembler struct {
	catalog *catalog.Catalog
	text    TextGenerator
	timeout time.Duration
}

func NewProfileAssembler(c *catalog.Catalog, text TextGenerator, timeout time.Duration) *ProfileAssembler {
	return &ProfileAssembler{catalog: c, text: text, timeout: timeout}
}

type scored[T any] struct {
	item  T
	id    string
	score float64
}

type modelSelection struct {
	Archetype   string   `json:"archetype"`
	Experiences []string `json:"experiences"`
	Name        string   `json:"name"`
}

func (p *ProfileAssembler) Assemble(ctx context.Context, req ProfileRequest) (entity.CharacterProfile, error) {
	if err := ValidateNeedVector(req.Needs); err != nil {
		return entity.CharacterProfile{}, err
	}

	archetypes := rank(p.catalog.Archetypes, func(a catalog.Archetype) (string, map[entity.NeedCategory]float64) {
		return a.ID, a.Weights
	}, req.Needs)
	if len(archetypes) == 0 {
		return entity.CharacterProfile{}, fmt.Errorf("%w: archetypes", ErrNoCandidates)
	}

	avoid := normalizeTerms(req.AvoidTopics)
	var allowed []catalog.Experience
	for _, e := range p.catalog.Experiences {
		if !touchesAvoided(e, avoid) {
			allowed = append(allowed, e)
		}
	}
	experiences := rank(allowed, func(e catalog.Experience) (string, map[entity.NeedCategory]float64) {
		return e.ID, e.Weights
	}, req.Needs)

	chosen := archetypes[0].item
	picked := topItems(experiences, keptExperiences)
	name := ""
	source := profileSourceRanked

	if p.text != nil {
		sel, err := p.selectWithModel(ctx, req, topItems(archetypes, offeredArchetypes), topItems(experiences, offeredExperiences))
		if err != nil {
			return entity.CharacterProfile{}, err
		}
		chosen = sel.archetype
		if len(sel.experiences) > 0 {
			picked = sel.experiences
		}
		name = sel.name
		source = SourceModel
	}

	if name == "" {
		name = pickName(chosen, req.UserID)
	}

	traits := appendUnique(nil, chosen.Traits...)
	for _, need := range req.Needs.Top(2) {
		traits = appendUnique(traits, p.catalog.NeedTraits[need])
	}

	style := strings.TrimSpace(req.Preferences.ConversationStyle)
	if style == "" {
		style = chosen.ConversationStyle
	}
	length := strings.TrimSpace(req.Preferences.ResponseLength)
	if length == "" {
		length = chosen.ResponseLength
	}
	if length == "" {
		length = defaultLength
	}

	profile := entity.CharacterProfile{
		PersonaName:       name,
		ArchetypeID:       chosen.ID,
		ArchetypeName:     chosen.Name,
		ArchetypeSummary:  chosen.Summary,
		Traits:            traits,
		ConversationStyle: style,
		ResponseLength:    length,
		Source:            source,
	}
	for _, e := range picked {
		profile.Experiences = append(profile.Experiences, entity.Experience{ID: e.ID, Title: e.Title, Description: e.Description})
	}
	return profile, nil
}

// ValidateNeedVector rejects vectors that cannot drive selection.
func ValidateNeedVector(v entity.NeedVector) error {
	if len(v.Scores) == 0 {
		return fmt.Errorf("%w: no scores", ErrMalformedNeedVector)
	}
	positive := false
	for c, s := range v.Scores {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrMalformedNeedVector, c)
		}
		if math.IsNaN(s) || s < 0 || s > 1 {
			return fmt.Errorf("%w: %s=%v out of range", ErrMalformedNeedVector, c, s)
		}
		if s > 0 {
			positive = true
		}
	}
	if !positive {
		return fmt.Errorf("%w: all scores are zero", ErrMalformedNeedVector)
	}
	return nil
}

type selection struct {
	archetype   catalog.Archetype
	experiences []catalog.Experience
	name        string
}

func (p *ProfileAssembler) selectWithModel(ctx context.Context, req ProfileRequest, archetypes []catalog.Archetype, experiences []catalog.Experience) (selection, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.text.GenerateText(ctx, selectionPrompt(req, archetypes, experiences))
	if err != nil {
		return selection{}, fmt.Errorf("profile selection: %w", err)
	}
	parsed, err := parseModelPayload[modelSelection](raw)
	if err != nil {
		return selection{}, fmt.Errorf("%w: profile selection: %v", ErrInvalidModelOutput, err)
	}

	var sel selection
	found := false
	for _, a := range archetypes {
		if a.ID == strings.TrimSpace(parsed.Archetype) {
			sel.archetype = a
			found = true
			break
		}
	}
	if !found {
		return selection{}, fmt.Errorf("%w: archetype %q was not offered", ErrInvalidModelOutput, parsed.Archetype)
	}

	for _, id := range parsed.Experiences {
		match := false
		for _, e := range experiences {
			if e.ID == strings.TrimSpace(id) {
				sel.experiences = append(sel.experiences, e)
				match = true
				break
			}
		}
		if !match {
			return selection{}, fmt.Errorf("%w: experience %q was not offered", ErrInvalidModelOutput, id)
		}
		if len(sel.experiences) == keptExperiences {
			break
		}
	}

	if name := strings.TrimSpace(parsed.Name); name != "" {
		sel.name = cases.Title(language.Und).String(name)
	}
	return sel, nil
}

func selectionPrompt(req ProfileRequest, archetypes []catalog.Archetype, experiences []catalog.Experience) string {
	type option struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
	}
	arch := make([]option, len(archetypes))
	for i, a := range archetypes {
		arch[i] = option{ID: a.ID, Summary: a.Summary}
	}
	exp := make([]option, len(experiences))
	for i, e := range experiences {
		exp[i] = option{ID: e.ID, Summary: e.Description}
	}
	archJSON, _ := json.Marshal(arch)
	expJSON, _ := json.Marshal(exp)
	needsJSON, _ := json.Marshal(req.Needs.Scores)

	sb := &strings.Builder{}
	sb.WriteString("Pick a roommate persona for a chat app user. ")
	sb.WriteString(`Respond strictly with JSON: {"archetype":string,"experiences":string[],"name":string}. `)
	fmt.Fprintf(sb, "Choose exactly one archetype id from %s and up to %d experience ids from %s. ", archJSON, keptExperiences, expJSON)
	fmt.Fprintf(sb, "The user's need intensities are %s. Give the persona a short first name.", needsJSON)
	return sb.String()
}

// rank orders items by dot(weights, needs) descending; ties by id.
func rank[T any](items []T, key func(T) (string, map[entity.NeedCategory]float64), needs entity.NeedVector) []scored[T] {
	out := make([]scored[T], 0, len(items))
	for _, it := range items {
		id, weights := key(it)
		s := 0.0
		for c, w := range weights {
			s += w * needs.Scores[c]
		}
		out = append(out, scored[T]{item: it, id: id, score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func topItems[T any](list []scored[T], n int) []T {
	if len(list) > n {
		list = list[:n]
	}
	out := make([]T, len(list))
	for i, s := range list {
		out[i] = s.item
	}
	return out
}

func touchesAvoided(e catalog.Experience, avoid []string) bool {
	if len(avoid) == 0 {
		return false
	}
	text := strings.ToLower(e.Title + " " + e.Description)
	for _, a := range avoid {
		for _, tag := range e.Tags {
			if strings.EqualFold(tag, a) {
				return true
			}
		}
		if strings.Contains(text, a) {
			return true
		}
	}
	return false
}

func pickName(a catalog.Archetype, userID string) string {
	if len(a.Names) == 0 {
		return cases.Title(language.Und).String(a.Name)
	}
	return a.Names[stableIndex(len(a.Names), a.ID, userID)]
}
