package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
)

type fakeText struct {
	mu      sync.Mutex
	answers []string
	err     error
	prompts []string
}

func (f *fakeText) GenerateText(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.answers) == 0 {
		return "", errors.New("no scripted answer")
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a, nil
}

type fakeImage struct {
	data []byte
	mime string
	err  error
	n    int
}

func (f *fakeImage) GenerateImage(context.Context, string) ([]byte, string, error) {
	f.n++
	return f.data, f.mime, f.err
}

type fakeAssets struct {
	keys []string
	err  error
}

func (f *fakeAssets) Put(_ context.Context, key string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.test/" + key, nil
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return c
}

func growthVector() entity.NeedVector {
	return entity.NeedVector{Scores: map[entity.NeedCategory]float64{
		entity.NeedGrowth:  1,
		entity.NeedMeaning: 0.4,
	}, Source: "test"}
}

func TestPipeline_RunsStagesInOrderWithoutRemoteModels(t *testing.T) {
	stages := agent.Pipeline(agent.Deps{Catalog: defaultCatalog(t), DefaultLanguage: "en"})
	require.Len(t, stages, 5)

	want := entity.StageOrder
	st := &agent.State{Input: entity.PipelineInput{
		UserID:   "user-1",
		UserName: "Minji",
		UserData: entity.UserData{Domains: []string{"coding"}, Interests: []string{"books", "music"}},
	}}
	for i, s := range stages {
		require.Equal(t, want[i], s.Name())
		require.NotNil(t, s.Input(st))
		out, err := s.Run(context.Background(), st)
		require.NoError(t, err, s.Name())
		require.NotNil(t, out)
	}

	require.Equal(t, "lexicon", st.Needs.Source)
	require.Equal(t, "quiet-mentor", st.Profile.ArchetypeID)
	require.Contains(t, st.Prompt.Text, "Minji")
	require.Equal(t, "quiet-mentor", st.ImagePrompt.ArchetypeID)
	require.Equal(t, entity.AssetPreset, st.Asset.Source)
	require.Equal(t, agent.FallbackDisabled, st.Asset.FallbackReason)
}

func TestBind_FailureLeavesStateUntouched(t *testing.T) {
	boom := errors.New("boom")
	s := agent.Bind(entity.AgentProfile,
		func(st *agent.State) string { return st.Input.UserID },
		func(context.Context, string) (entity.CharacterProfile, error) { return entity.CharacterProfile{}, boom },
		func(st *agent.State, p entity.CharacterProfile) { st.Profile = p },
	)
	st := &agent.State{Profile: entity.CharacterProfile{PersonaName: "kept"}}
	_, err := s.Run(context.Background(), st)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "kept", st.Profile.PersonaName)
}

func TestNeedVector_Lexicon(t *testing.T) {
	e := agent.NewNeedVectorExtractor(defaultCatalog(t), nil, 0)

	v, err := e.Extract(context.Background(), agent.NeedRequest{UserData: entity.UserData{
		Domains:     []string{"Coding", "programming"},
		Keywords:    []string{"travel"},
		AvoidTopics: []string{"travel"},
	}})
	require.NoError(t, err)
	require.Equal(t, "lexicon", v.Source)
	require.Equal(t, 1.0, v.Scores[entity.NeedGrowth])
	require.Zero(t, v.Scores[entity.NeedAutonomy])
	require.Len(t, v.Scores, len(entity.NeedCategories))
}

func TestNeedVector_DefaultWhenNothingMatches(t *testing.T) {
	e := agent.NewNeedVectorExtractor(defaultCatalog(t), nil, 0)

	v, err := e.Extract(context.Background(), agent.NeedRequest{UserData: entity.UserData{Keywords: []string{"zzz"}}})
	require.NoError(t, err)
	require.Equal(t, "default", v.Source)
	require.Equal(t, 0.6, v.Scores[entity.NeedBelonging])
}

func TestNeedVector_EmptyAnswers(t *testing.T) {
	e := agent.NewNeedVectorExtractor(defaultCatalog(t), nil, 0)
	_, err := e.Extract(context.Background(), agent.NeedRequest{})
	require.ErrorIs(t, err, agent.ErrEmptyAnswers)
}

func TestNeedVector_ModelOutputIsClampedAndFiltered(t *testing.T) {
	text := &fakeText{answers: []string{"```json\n{\"Growth\": 1.4, \"belonging\": -0.2, \"wealth\": 0.9, \"meaning\": 0.35}\n```"}}
	e := agent.NewNeedVectorExtractor(defaultCatalog(t), text, 0)

	v, err := e.Extract(context.Background(), agent.NeedRequest{UserData: entity.UserData{Interests: []string{"poetry"}}})
	require.NoError(t, err)
	require.Equal(t, "model", v.Source)
	require.Equal(t, 1.0, v.Scores[entity.NeedGrowth])
	require.Zero(t, v.Scores[entity.NeedBelonging])
	require.Equal(t, 0.35, v.Scores[entity.NeedMeaning])
	require.NotContains(t, v.Scores, entity.NeedCategory("wealth"))
	require.Len(t, text.prompts, 1)
	require.Contains(t, text.prompts[0], "poetry")
}

func TestNeedVector_ModelErrors(t *testing.T) {
	c := defaultCatalog(t)
	req := agent.NeedRequest{UserData: entity.UserData{Interests: []string{"poetry"}}}

	_, err := agent.NewNeedVectorExtractor(c, &fakeText{answers: []string{"I think growth matters"}}, 0).Extract(context.Background(), req)
	require.ErrorIs(t, err, agent.ErrInvalidModelOutput)

	remote := errors.New("quota exceeded")
	_, err = agent.NewNeedVectorExtractor(c, &fakeText{err: remote}, 0).Extract(context.Background(), req)
	require.ErrorIs(t, err, remote)
}

func TestProfile_RankedSelection(t *testing.T) {
	p := agent.NewProfileAssembler(defaultCatalog(t), nil, 0)

	profile, err := p.Assemble(context.Background(), agent.ProfileRequest{
		UserID:      "user-1",
		AvoidTopics: []string{"Study"},
		Needs:       entity.NeedVector{Scores: map[entity.NeedCategory]float64{entity.NeedGrowth: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, "quiet-mentor", profile.ArchetypeID)
	require.Equal(t, "ranked", profile.Source)
	require.Len(t, profile.Experiences, 3)
	require.Equal(t, "startup-failure", profile.Experiences[0].ID)
	require.Equal(t, "debt-free", profile.Experiences[1].ID)
	for _, e := range profile.Experiences {
		require.NotEqual(t, "night-classes", e.ID)
	}
	require.Equal(t, []string{"patient", "precise", "curious"}, profile.Traits)
	require.Equal(t, "thoughtful", profile.ConversationStyle)
	require.Equal(t, "long", profile.ResponseLength)
	require.Contains(t, []string{"Hyun", "Theo", "Yuna", "Ari"}, profile.PersonaName)
}

func TestProfile_NameIsStablePerUser(t *testing.T) {
	p := agent.NewProfileAssembler(defaultCatalog(t), nil, 0)
	req := agent.ProfileRequest{UserID: "user-42", Needs: growthVector()}

	a, err := p.Assemble(context.Background(), req)
	require.NoError(t, err)
	b, err := p.Assemble(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestProfile_PreferencesOverrideArchetypeDefaults(t *testing.T) {
	p := agent.NewProfileAssembler(defaultCatalog(t), nil, 0)

	profile, err := p.Assemble(context.Background(), agent.ProfileRequest{
		UserID:      "user-1",
		Preferences: entity.Preferences{ConversationStyle: "playful", ResponseLength: "short"},
		Needs:       growthVector(),
	})
	require.NoError(t, err)
	require.Equal(t, "playful", profile.ConversationStyle)
	require.Equal(t, "short", profile.ResponseLength)
}

func TestProfile_RejectsMalformedVectors(t *testing.T) {
	p := agent.NewProfileAssembler(defaultCatalog(t), nil, 0)
	cases := map[string]map[entity.NeedCategory]float64{
		"empty":        nil,
		"out of range": {entity.NeedGrowth: 1.5},
		"negative":     {entity.NeedGrowth: -0.1},
		"all zero":     {entity.NeedGrowth: 0, entity.NeedMeaning: 0},
		"unknown":      {"wealth": 0.5},
	}
	for name, scores := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Assemble(context.Background(), agent.ProfileRequest{UserID: "u", Needs: entity.NeedVector{Scores: scores}})
			require.ErrorIs(t, err, agent.ErrMalformedNeedVector)
		})
	}
}

func TestProfile_ModelSelection(t *testing.T) {
	text := &fakeText{answers: []string{`Sure! {"archetype":"free-spirit","experiences":["backpacking-year"],"name":"noa kim"}`}}
	p := agent.NewProfileAssembler(defaultCatalog(t), text, 0)

	profile, err := p.Assemble(context.Background(), agent.ProfileRequest{UserID: "u", Needs: growthVector()})
	require.NoError(t, err)
	require.Equal(t, "model", profile.Source)
	require.Equal(t, "free-spirit", profile.ArchetypeID)
	require.Equal(t, "Noa Kim", profile.PersonaName)
	require.Len(t, profile.Experiences, 1)
	require.Equal(t, "backpacking-year", profile.Experiences[0].ID)
}

func TestProfile_ModelMustPickOfferedCandidates(t *testing.T) {
	text := &fakeText{answers: []string{`{"archetype":"cheerful-host","experiences":[],"name":"x"}`}}
	p := agent.NewProfileAssembler(defaultCatalog(t), text, 0)

	_, err := p.Assemble(context.Background(), agent.ProfileRequest{UserID: "u", Needs: growthVector()})
	require.ErrorIs(t, err, agent.ErrInvalidModelOutput)
}

func sampleProfile() entity.CharacterProfile {
	return entity.CharacterProfile{
		PersonaName:       "Theo",
		ArchetypeID:       "quiet-mentor",
		ArchetypeName:     "quiet mentor",
		ArchetypeSummary:  "a calm roommate who studies late",
		Experiences:       []entity.Experience{{ID: "night-classes", Title: "night classes after work", Description: "finished a degree"}},
		Traits:            []string{"patient", "curious"},
		ConversationStyle: "thoughtful",
		ResponseLength:    "long",
	}
}

func TestPrompt_DefaultTemplate(t *testing.T) {
	r := agent.NewPromptRenderer(defaultCatalog(t), "en")

	p, err := r.Render(context.Background(), agent.PromptRequest{UserName: "Minji", Needs: growthVector(), Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, "roommate", p.TemplateID)
	require.Equal(t, 2, p.TemplateVersion)
	require.Equal(t, "en", p.Language)
	require.Contains(t, p.Text, "You are Theo, Minji's roommate.")
	require.Contains(t, p.Text, "night classes after work")
	require.Contains(t, p.Text, "growth and meaning")
}

func TestPrompt_LanguageMatching(t *testing.T) {
	r := agent.NewPromptRenderer(defaultCatalog(t), "en")

	ko, err := r.Render(context.Background(), agent.PromptRequest{UserName: "민지", Language: "ko-KR", Needs: growthVector(), Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, "ko", ko.Language)
	require.Contains(t, ko.Text, "민지")

	fr, err := r.Render(context.Background(), agent.PromptRequest{UserName: "Minji", Language: "fr", Needs: growthVector(), Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, "en", fr.Language)
}

func TestPrompt_TemplateOverride(t *testing.T) {
	r := agent.NewPromptRenderer(defaultCatalog(t), "en")

	p, err := r.Render(context.Background(), agent.PromptRequest{UserName: "Minji", TemplateID: "roommate-brief", Needs: growthVector(), Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, "roommate-brief", p.TemplateID)
	require.True(t, strings.HasPrefix(p.Text, "Theo (quiet mentor) lives with Minji."))

	_, err = r.Render(context.Background(), agent.PromptRequest{TemplateID: "missing", Needs: growthVector(), Profile: sampleProfile()})
	require.ErrorIs(t, err, agent.ErrTemplateNotFound)
}

func TestImagePrompt_MapsNeedsAndMood(t *testing.T) {
	m := agent.NewImagePromptMapper(defaultCatalog(t))

	p, err := m.Map(context.Background(), agent.ImagePromptRequest{Needs: growthVector(), Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, "quiet-mentor", p.ArchetypeID)
	require.Equal(t, []string{
		"stacks of dog-eared books", "a whiteboard full of notes",
		"a potted plant by the window", "a journal beside a candle",
	}, p.Elements)
	require.Equal(t, "dim evening light and a reading lamp", p.Mood)
	require.Contains(t, p.Text, "a quiet study corner")

	_, err = m.Map(context.Background(), agent.ImagePromptRequest{Needs: growthVector(), Profile: entity.CharacterProfile{ArchetypeID: "nope"}})
	require.ErrorIs(t, err, agent.ErrNoCandidates)
}

func TestImage_DisabledUsesStablePreset(t *testing.T) {
	img := &fakeImage{data: []byte("png")}
	g := agent.NewRoomImageGenerator(defaultCatalog(t), img, &fakeAssets{}, false, 0, nil)
	req := agent.ImageRequest{Prompt: entity.ImagePrompt{Text: "room"}, Profile: sampleProfile()}

	a, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, entity.AssetPreset, a.Source)
	require.Equal(t, agent.FallbackDisabled, a.FallbackReason)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a.ImageRef, "presets/rooms/quiet-mentor-"))
	require.Zero(t, img.n)
}

func TestImage_GeneratedIsStored(t *testing.T) {
	assets := &fakeAssets{}
	g := agent.NewRoomImageGenerator(defaultCatalog(t), &fakeImage{data: []byte("jpeg-bytes"), mime: "image/jpeg"}, assets, true, 0, nil)

	a, err := g.Generate(context.Background(), agent.ImageRequest{Prompt: entity.ImagePrompt{Text: "room"}, Profile: sampleProfile()})
	require.NoError(t, err)
	require.Equal(t, entity.AssetGenerated, a.Source)
	require.Empty(t, a.FallbackReason)
	require.Len(t, assets.keys, 1)
	require.True(t, strings.HasPrefix(assets.keys[0], "rooms/"))
	require.True(t, strings.HasSuffix(assets.keys[0], ".jpg"))
	require.Equal(t, "https://cdn.test/"+assets.keys[0], a.ImageRef)
}

func TestImage_FallbackReasons(t *testing.T) {
	c := defaultCatalog(t)
	req := agent.ImageRequest{Prompt: entity.ImagePrompt{Text: "room"}, Profile: sampleProfile()}

	cases := map[string]struct {
		image  *fakeImage
		assets *fakeAssets
	}{
		agent.FallbackError:      {image: &fakeImage{err: errors.New("deadline exceeded")}, assets: &fakeAssets{}},
		agent.FallbackEmpty:      {image: &fakeImage{}, assets: &fakeAssets{}},
		agent.FallbackStoreError: {image: &fakeImage{data: []byte("x")}, assets: &fakeAssets{err: errors.New("disk full")}},
	}
	for reason, tc := range cases {
		t.Run(reason, func(t *testing.T) {
			a, err := agent.NewRoomImageGenerator(c, tc.image, tc.assets, true, 0, nil).Generate(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, entity.AssetPreset, a.Source)
			require.Equal(t, reason, a.FallbackReason)
		})
	}
}

func TestImage_EmptyPresetPoolFails(t *testing.T) {
	c, err := catalog.Parse([]byte(`
archetypes:
  - id: lone
    name: lone
templates:
  - id: t
    version: 1
    language: en
    body: hi
`))
	require.NoError(t, err)

	g := agent.NewRoomImageGenerator(c, nil, nil, false, 0, nil)
	_, err = g.Generate(context.Background(), agent.ImageRequest{Profile: entity.CharacterProfile{ArchetypeID: "lone"}})
	require.ErrorIs(t, err, agent.ErrPresetUnavailable)
}
