package agent

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
)

type PromptRequest struct {
	UserName   string                  `json:"user_name,omitempty"`
	Language   string                  `json:"language,omitempty"`
	TemplateID string                  `json:"template_id,omitempty"`
	Needs      entity.NeedVector       `json:"needs"`
	Profile    entity.CharacterProfile `json:"profile"`
}

// PromptRenderer renders the persona system prompt from a versioned template (Agent3).
type PromptRenderer struct {
	catalog         *catalog.Catalog
	defaultLanguage string
}

func NewPromptRenderer(c *catalog.Catalog, defaultLanguage string) *PromptRenderer {
	return &PromptRenderer{catalog: c, defaultLanguage: defaultLanguage}
}

type promptData struct {
	UserName          string
	PersonaName       string
	ArchetypeName     string
	ArchetypeSummary  string
	Traits            string
	Experiences       []entity.Experience
	TopNeeds          string
	ConversationStyle string
	ResponseLength    string
}

func (r *PromptRenderer) Render(ctx context.Context, req PromptRequest) (entity.GeneratedPrompt, error) {
	if err := ctx.Err(); err != nil {
		return entity.GeneratedPrompt{}, err
	}

	lang := r.matchLanguage(req.Language)

	var (
		tmpl *catalog.Template
		ok   bool
	)
	if id := strings.TrimSpace(req.TemplateID); id != "" {
		tmpl, ok = r.catalog.Lookup(id, lang)
		if !ok {
			return entity.GeneratedPrompt{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
		}
	} else {
		tmpl, ok = r.catalog.DefaultTemplate(lang)
		if !ok {
			return entity.GeneratedPrompt{}, fmt.Errorf("%w: no default for %s", ErrTemplateNotFound, lang)
		}
	}

	needs := req.Needs.Top(2)
	needNames := make([]string, len(needs))
	for i, n := range needs {
		needNames[i] = string(n)
	}

	data := promptData{
		UserName:          strings.TrimSpace(req.UserName),
		PersonaName:       req.Profile.PersonaName,
		ArchetypeName:     req.Profile.ArchetypeName,
		ArchetypeSummary:  req.Profile.ArchetypeSummary,
		Traits:            strings.Join(req.Profile.Traits, ", "),
		Experiences:       req.Profile.Experiences,
		TopNeeds:          strings.Join(needNames, " and "),
		ConversationStyle: req.Profile.ConversationStyle,
		ResponseLength:    req.Profile.ResponseLength,
	}

	var sb strings.Builder
	if err := tmpl.Parsed().Execute(&sb, data); err != nil {
		return entity.GeneratedPrompt{}, fmt.Errorf("render template %s v%d: %w", tmpl.ID, tmpl.Version, err)
	}

	return entity.GeneratedPrompt{
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Language:        tmpl.Language,
		Text:            strings.TrimSpace(sb.String()),
	}, nil
}

// matchLanguage picks the closest catalog language for a BCP 47 tag.
func (r *PromptRenderer) matchLanguage(requested string) string {
	available := r.catalog.Languages()
	if len(available) == 0 {
		return r.defaultLanguage
	}

	fallback := r.defaultLanguage
	if fallback == "" {
		fallback = available[0]
	}
	// the first supported tag is what the matcher returns when nothing matches
	tags := []language.Tag{language.Make(fallback)}
	names := []string{fallback}
	for _, l := range available {
		if l == fallback {
			continue
		}
		tags = append(tags, language.Make(l))
		names = append(names, l)
	}

	desired, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(desired) == 0 {
		return fallback
	}
	_, idx, conf := language.NewMatcher(tags).Match(desired...)
	if conf == language.No {
		return fallback
	}
	return names[idx]
}
