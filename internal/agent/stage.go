// Package agent implements the five persona stages and the typed adapter the
// orchestrator uses to drive them in a fixed order.
package agent

import (
	"context"
	"errors"
	"time"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/logging"
)

var (
	ErrEmptyAnswers        = errors.New("onboarding answers are empty")
	ErrMalformedNeedVector = errors.New("malformed need vector")
	ErrNoCandidates        = errors.New("no candidate records")
	ErrTemplateNotFound    = errors.New("prompt template not found")
	ErrPresetUnavailable   = errors.New("preset image pool unavailable")
	ErrInvalidModelOutput  = errors.New("invalid model output")
)

// SourceModel marks a need vector or profile that came from the remote text model.
const SourceModel = "model"

// TextGenerator is the remote text model. Gemini's client satisfies it.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// ImageGenerator is the remote image model. It returns the image bytes and mime type.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, string, error)
}

// AssetStore persists generated images and returns their reference.
type AssetStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// State carries the outputs of finished stages to the next ones.
type State struct {
	Input       entity.PipelineInput
	Needs       entity.NeedVector
	Profile     entity.CharacterProfile
	Prompt      entity.GeneratedPrompt
	ImagePrompt entity.ImagePrompt
	Asset       entity.GeneratedAsset
}

// Stage is one step of the pipeline as seen by the orchestrator.
type Stage interface {
	Name() entity.AgentName
	// Input returns the typed request the stage will run with; used for logging snapshots.
	Input(st *State) any
	// Run executes the stage and stores its output on st.
	Run(ctx context.Context, st *State) (any, error)
}

type boundStage[In, Out any] struct {
	name  entity.AgentName
	input func(*State) In
	run   func(context.Context, In) (Out, error)
	store func(*State, Out)
}

// Bind adapts a typed transformation to Stage.
func Bind[In, Out any](name entity.AgentName, input func(*State) In, run func(context.Context, In) (Out, error), store func(*State, Out)) Stage {
	return boundStage[In, Out]{name: name, input: input, run: run, store: store}
}

func (s boundStage[In, Out]) Name() entity.AgentName { return s.name }

func (s boundStage[In, Out]) Input(st *State) any { return s.input(st) }

func (s boundStage[In, Out]) Run(ctx context.Context, st *State) (any, error) {
	out, err := s.run(ctx, s.input(st))
	if err != nil {
		return nil, err
	}
	s.store(st, out)
	return out, nil
}

type Deps struct {
	Catalog *catalog.Catalog
	// Text is optional; without it Agent1 uses the lexicon and Agent2 ranks deterministically.
	Text TextGenerator
	// Image is optional; without it Agent5 always uses presets.
	Image              ImageGenerator
	Assets             AssetStore
	RemoteImageEnabled bool
	TextTimeout        time.Duration
	ImageTimeout       time.Duration
	DefaultLanguage    string
	Logger             *logging.Logger
}

// Pipeline returns the five stages in execution order.
func Pipeline(d Deps) []Stage {
	needs := NewNeedVectorExtractor(d.Catalog, d.Text, d.TextTimeout)
	profiles := NewProfileAssembler(d.Catalog, d.Text, d.TextTimeout)
	prompts := NewPromptRenderer(d.Catalog, d.DefaultLanguage)
	imagePrompts := NewImagePromptMapper(d.Catalog)
	images := NewRoomImageGenerator(d.Catalog, d.Image, d.Assets, d.RemoteImageEnabled, d.ImageTimeout, d.Logger)

	return []Stage{
		Bind(entity.AgentNeedVector,
			func(st *State) NeedRequest { return NeedRequest{UserData: st.Input.UserData} },
			needs.Extract,
			func(st *State, v entity.NeedVector) { st.Needs = v },
		),
		Bind(entity.AgentProfile,
			func(st *State) ProfileRequest {
				return ProfileRequest{
					UserID:      st.Input.UserID,
					AvoidTopics: st.Input.UserData.AvoidTopics,
					Preferences: st.Input.Preferences,
					Needs:       st.Needs,
				}
			},
			profiles.Assemble,
			func(st *State, p entity.CharacterProfile) { st.Profile = p },
		),
		Bind(entity.AgentPrompt,
			func(st *State) PromptRequest {
				return PromptRequest{
					UserName:   st.Input.UserName,
					Language:   st.Input.Language,
					TemplateID: st.Input.TemplateID,
					Needs:      st.Needs,
					Profile:    st.Profile,
				}
			},
			prompts.Render,
			func(st *State, p entity.GeneratedPrompt) { st.Prompt = p },
		),
		Bind(entity.AgentImagePrompt,
			func(st *State) ImagePromptRequest { return ImagePromptRequest{Needs: st.Needs, Profile: st.Profile} },
			imagePrompts.Map,
			func(st *State, p entity.ImagePrompt) { st.ImagePrompt = p },
		),
		Bind(entity.AgentImage,
			func(st *State) ImageRequest { return ImageRequest{Prompt: st.ImagePrompt, Profile: st.Profile} },
			images.Generate,
			func(st *State, a entity.GeneratedAsset) { st.Asset = a },
		),
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
