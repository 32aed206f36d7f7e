package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/entity"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*entity.Job
	logs     []entity.StageLog
	personas []entity.Persona
	rooms    []entity.Room

	lastFilter entity.JobFilter
	appendErr  error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[uuid.UUID]*entity.Job{}}
}

func (s *memStore) CreateJob(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) StartAttempt(_ context.Context, id uuid.UUID, startedAt time.Time) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	if j.Status != entity.StatusFailed {
		return nil, entity.ErrNotFailed
	}
	j.Status = entity.StatusProcessing
	j.Attempt++
	j.Output = nil
	j.ErrorMessage = nil
	j.QualityScore = nil
	j.CompletedAt = nil
	j.ExecutionTimeMs = 0
	j.StartedAt = startedAt
	j.UpdatedAt = startedAt
	cp := *j
	return &cp, nil
}

func (s *memStore) CompleteJob(_ context.Context, id uuid.UUID, c entity.JobCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return entity.ErrJobNotFound
	}
	if j.Status != entity.StatusProcessing || j.Attempt != c.Attempt {
		return entity.ErrNotProcessing
	}
	score := c.QualityScore
	at := c.CompletedAt
	j.Status = entity.StatusCompleted
	j.Output = c.Output
	j.QualityScore = &score
	j.ExecutionTimeMs = c.ExecutionTimeMs
	j.CompletedAt = &at
	if c.Persona != nil {
		s.personas = append(s.personas, *c.Persona)
	}
	if c.Room != nil {
		s.rooms = append(s.rooms, *c.Room)
	}
	return nil
}

func (s *memStore) FailJob(_ context.Context, id uuid.UUID, attempt int, message string, executionTimeMs int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return entity.ErrJobNotFound
	}
	if j.Status != entity.StatusProcessing || j.Attempt != attempt {
		return entity.ErrNotProcessing
	}
	j.Status = entity.StatusFailed
	j.ErrorMessage = &message
	j.ExecutionTimeMs = executionTimeMs
	j.CompletedAt = &at
	return nil
}

func (s *memStore) AppendStageLog(_ context.Context, l *entity.StageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.logs = append(s.logs, *l)
	return nil
}

func (s *memStore) FinishStageLog(_ context.Context, id uuid.UUID, res entity.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logs {
		if s.logs[i].ID != id {
			continue
		}
		if s.logs[i].Status != entity.StageProcessing {
			return errors.New("stage log already finished")
		}
		s.logs[i].Status = res.Status
		s.logs[i].Message = res.Message
		s.logs[i].OutputData = res.OutputData
		s.logs[i].ExecutionTimeMs = res.ExecutionTimeMs
		return nil
	}
	return errors.New("stage log not found")
}

func (s *memStore) ListStageLogs(_ context.Context, jobID uuid.UUID) ([]entity.StageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.StageLog
	for _, l := range s.logs {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *memStore) ListJobsByUser(_ context.Context, userID string, f entity.JobFilter) ([]entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	var out []entity.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) savedPersonas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.personas)
}

type fakeQueue struct {
	mu         sync.Mutex
	ids        []string
	priorities []int
	err        error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	q.priorities = append(q.priorities, priority)
	return nil
}

type scriptedText struct {
	mu      sync.Mutex
	answers []string
}

func (f *scriptedText) GenerateText(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return "", errors.New("no scripted answer")
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a, nil
}

type failingImage struct{}

func (failingImage) GenerateImage(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("should not be called")
}

// gatedStages builds five trivial stages. The n-th call of the first stage
// reports n on entered and blocks until release[n] is closed.
type gatedStages struct {
	entered chan int
	release []chan struct{}

	mu    sync.Mutex
	calls map[entity.AgentName]int
}

func newGatedStages(runs int) *gatedStages {
	g := &gatedStages{
		entered: make(chan int, runs),
		calls:   map[entity.AgentName]int{},
	}
	for i := 0; i < runs; i++ {
		g.release = append(g.release, make(chan struct{}))
	}
	return g
}

func (g *gatedStages) stages() []agent.Stage {
	stages := make([]agent.Stage, 0, len(entity.StageOrder))
	for i, name := range entity.StageOrder {
		i, name := i, name
		stages = append(stages, agent.Bind(name,
			func(st *agent.State) string { return st.Input.UserID },
			func(_ context.Context, in string) (string, error) {
				g.mu.Lock()
				n := g.calls[name]
				g.calls[name]++
				g.mu.Unlock()
				if i == 0 {
					g.entered <- n
					<-g.release[n]
				}
				return in + ":" + string(name), nil
			},
			func(*agent.State, string) {},
		))
	}
	return stages
}

func (g *gatedStages) count(name entity.AgentName) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

// stepClock advances by step on every read.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: 5 * time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func decodeOutput(raw json.RawMessage) (entity.PipelineOutput, error) {
	var out entity.PipelineOutput
	err := json.Unmarshal(raw, &out)
	return out, err
}
