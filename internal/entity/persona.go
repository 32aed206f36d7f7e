package entity

import (
	"time"

	"github.com/google/uuid"
)

// UserData holds the raw onboarding answers.
type UserData struct {
	Domains     []string `json:"domains"`
	Keywords    []string `json:"keywords"`
	Interests   []string `json:"interests"`
	AvoidTopics []string `json:"avoid_topics,omitempty"`
}

func (d UserData) Empty() bool {
	return len(d.Domains) == 0 && len(d.Keywords) == 0 && len(d.Interests) == 0
}

type Preferences struct {
	ConversationStyle string `json:"conversation_style,omitempty"`
	ResponseLength    string `json:"response_length,omitempty"`
}

// PipelineInput is persisted as the job input and replayed on retry.
type PipelineInput struct {
	UserID      string      `json:"user_id"`
	UserName    string      `json:"user_name,omitempty"`
	UserData    UserData    `json:"user_data"`
	Preferences Preferences `json:"preferences"`
	Language    string      `json:"language,omitempty"`
	TemplateID  string      `json:"template_id,omitempty"`
	DryRun      bool        `json:"dry_run,omitempty"`
}

type NeedCategory string

const (
	NeedBelonging   NeedCategory = "belonging"
	NeedRecognition NeedCategory = "recognition"
	NeedAutonomy    NeedCategory = "autonomy"
	NeedGrowth      NeedCategory = "growth"
	NeedSecurity    NeedCategory = "security"
	NeedMeaning     NeedCategory = "meaning"
)

var NeedCategories = []NeedCategory{NeedBelonging, NeedRecognition, NeedAutonomy, NeedGrowth, NeedSecurity, NeedMeaning}

func (c NeedCategory) Valid() bool {
	for _, n := range NeedCategories {
		if n == c {
			return true
		}
	}
	return false
}

// NeedVector maps each need category to an intensity in [0,1].
type NeedVector struct {
	Scores map[NeedCategory]float64 `json:"scores"`
	Source string                   `json:"source"`
}

// Top returns up to n categories with a positive score, strongest first.
// Ties keep taxonomy order.
func (v NeedVector) Top(n int) []NeedCategory {
	ranked := make([]NeedCategory, 0, len(NeedCategories))
	for _, c := range NeedCategories {
		if v.Scores[c] > 0 {
			ranked = append(ranked, c)
		}
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && v.Scores[ranked[j]] > v.Scores[ranked[j-1]]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

type Experience struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CharacterProfile is the persona assembled from candidate records.
type CharacterProfile struct {
	PersonaName       string       `json:"persona_name"`
	ArchetypeID       string       `json:"archetype_id"`
	ArchetypeName     string       `json:"archetype_name"`
	ArchetypeSummary  string       `json:"archetype_summary"`
	Experiences       []Experience `json:"experiences"`
	Traits            []string     `json:"traits"`
	ConversationStyle string       `json:"conversation_style"`
	ResponseLength    string       `json:"response_length"`
	Source            string       `json:"source"`
}

type GeneratedPrompt struct {
	TemplateID      string `json:"template_id"`
	TemplateVersion int    `json:"template_version"`
	Language        string `json:"language"`
	Text            string `json:"text"`
}

type ImagePrompt struct {
	ArchetypeID string   `json:"archetype_id"`
	Elements    []string `json:"elements"`
	Mood        string   `json:"mood"`
	Text        string   `json:"text"`
}

type AssetSource string

const (
	AssetGenerated AssetSource = "generated"
	AssetPreset    AssetSource = "preset"
)

type GeneratedAsset struct {
	ImageRef       string      `json:"image_ref"`
	Source         AssetSource `json:"source"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
}

// PipelineOutput is persisted as the job output of a completed run.
type PipelineOutput struct {
	NeedVector  NeedVector       `json:"need_vector"`
	Profile     CharacterProfile `json:"profile"`
	Prompt      GeneratedPrompt  `json:"prompt"`
	ImagePrompt ImagePrompt      `json:"image_prompt"`
	Asset       GeneratedAsset   `json:"asset"`
	PersonaID   *uuid.UUID       `json:"persona_id,omitempty"`
	RoomID      *uuid.UUID       `json:"room_id,omitempty"`
	DryRun      bool             `json:"dry_run,omitempty"`
}

type Persona struct {
	ID              uuid.UUID        `json:"id"`
	UserID          string           `json:"user_id"`
	JobID           uuid.UUID        `json:"job_id"`
	Name            string           `json:"name"`
	ArchetypeID     string           `json:"archetype_id"`
	SystemPrompt    string           `json:"system_prompt"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int              `json:"template_version"`
	Language        string           `json:"language"`
	Profile         CharacterProfile `json:"profile"`
	CreatedAt       time.Time        `json:"created_at"`
}

type Room struct {
	ID          uuid.UUID   `json:"id"`
	PersonaID   uuid.UUID   `json:"persona_id"`
	UserID      string      `json:"user_id"`
	ImageRef    string      `json:"image_ref"`
	ImageSource AssetSource `json:"image_source"`
	ImagePrompt string      `json:"image_prompt"`
	CreatedAt   time.Time   `json:"created_at"`
}
