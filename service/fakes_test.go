package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"PromoForge-server/models"
)

// memStore 内存版 ProjectStore，测试编排逻辑时替掉 MySQL
type memStore struct {
	mu       sync.Mutex
	projects map[string]models.Project
	scenes   map[string]models.Scene
	jobs     map[string]models.RenderJob
	chunks   map[string]models.RenderChunk
	reviews  map[string]models.ReviewItem
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]models.Project),
		scenes:   make(map[string]models.Scene),
		jobs:     make(map[string]models.RenderJob),
		chunks:   make(map[string]models.RenderChunk),
		reviews:  make(map[string]models.ReviewItem),
	}
}

func (m *memStore) LoadProject(id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s not found", id)
	}
	cp := p
	return &cp, nil
}

func (m *memStore) SaveProject(p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = *p
	return nil
}

func (m *memStore) LoadScenes(projectID string) ([]models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Scene
	for _, s := range m.scenes {
		if s.ProjectId == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *memStore) LoadScene(projectID, sceneID string) (*models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenes[sceneID]
	if !ok || s.ProjectId != projectID {
		return nil, fmt.Errorf("scene %s not found", sceneID)
	}
	cp := s
	return &cp, nil
}

func (m *memStore) SaveScene(s *models.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes[s.ID] = *s
	return nil
}

func (m *memStore) ActiveRenderJob(projectID string) (*models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.RenderJob
	for id := range m.jobs {
		j := m.jobs[id]
		if j.ProjectId != projectID || !j.IsActive() {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			cp := j
			latest = &cp
		}
	}
	return latest, nil
}

func (m *memStore) LoadRenderJob(id string) (*models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("render job %s not found", id)
	}
	cp := j
	return &cp, nil
}

func (m *memStore) SaveRenderJob(j *models.RenderJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *memStore) SupersedeRenderJobs(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.ProjectId == projectID && j.IsActive() {
			j.Status = models.RenderStatusSuperseded
			m.jobs[id] = j
		}
	}
	return nil
}

func (m *memStore) SaveChunk(c *models.RenderChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[c.ID] = *c
	return nil
}

func (m *memStore) ChunksForJob(jobID string) ([]models.RenderChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RenderChunk
	for _, c := range m.chunks {
		if c.RenderJobId == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *memStore) DeleteChunks(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.RenderJobId == jobID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *memStore) EnqueueReview(item *models.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[item.ID] = *item
	return nil
}

func (m *memStore) ReviewQueue(projectID string) ([]models.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReviewItem
	for _, r := range m.reviews {
		if r.ProjectId == projectID && !r.Resolved {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ResolveReview(projectID, sceneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.reviews {
		if r.ProjectId == projectID && r.SceneId == sceneID {
			r.Resolved = true
			m.reviews[id] = r
		}
	}
	return nil
}

// fakeGateway 每次调用按脚本返回 URL 或错误
type fakeGateway struct {
	mu      sync.Mutex
	calls   []string // "kind|provider|prompt"
	results []string // 为空串表示返回错误
}

func (g *fakeGateway) Generate(ctx context.Context, kind, prompt, provider string, params map[string]interface{}) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, kind+"|"+provider+"|"+prompt)
	if len(g.results) == 0 {
		return "http://media.test/generated.png", nil
	}
	r := g.results[0]
	g.results = g.results[1:]
	if r == "" {
		return "", fmt.Errorf("provider %s unavailable", provider)
	}
	return r, nil
}

// fakeAnalyzer 按预设分数/结论序列打分
type fakeAnalyzer struct {
	mu     sync.Mutex
	scores []float64
	recs   []string
	err    error
	calls  int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, mediaRef string, scene *models.Scene) (*models.QualityAnalysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	score := 90.0
	if len(a.scores) > 0 {
		score = a.scores[0]
		a.scores = a.scores[1:]
	}
	rec := models.RecommendationApproved
	if len(a.recs) > 0 {
		rec = a.recs[0]
		a.recs = a.recs[1:]
	}
	return &models.QualityAnalysis{
		OverallScore:   score,
		Recommendation: rec,
	}, nil
}

// fakeBackend 渲染后端：进度按调用次数推进
type fakeBackend struct {
	mu        sync.Mutex
	started   int
	progress  []*RenderProgress
	startErr  error
	pollErr   error
	renderIDs []string
}

func (b *fakeBackend) StartRender(ctx context.Context, compositionID string, inputProps map[string]interface{}) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return "", "", b.startErr
	}
	b.started++
	id := fmt.Sprintf("render-%d", b.started)
	b.renderIDs = append(b.renderIDs, id)
	return id, "test-bucket", nil
}

func (b *fakeBackend) GetProgress(ctx context.Context, renderID, bucket string) (*RenderProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	if len(b.progress) == 0 {
		return &RenderProgress{Done: true, Progress: 1, OutputURL: "http://out.test/final.mp4"}, nil
	}
	p := b.progress[0]
	b.progress = b.progress[1:]
	return p, nil
}

// fakeStitcher 记录送来拼接的块并返回固定成品 URL
type fakeStitcher struct {
	mu     sync.Mutex
	chunks []*models.RenderChunk
	err    error
}

func (s *fakeStitcher) Stitch(ctx context.Context, project *models.Project, job *models.RenderJob, chunks []*models.RenderChunk) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = chunks
	if s.err != nil {
		return "", s.err
	}
	return "http://out.test/stitched.mp4", nil
}

// fakeQueue 记录入队请求
type fakeQueue struct {
	mu        sync.Mutex
	generated []string
	regens    []string
	renders   []string
}

func (q *fakeQueue) EnqueueSceneGenerate(projectID, sceneID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generated = append(q.generated, sceneID)
	return nil
}

func (q *fakeQueue) EnqueueSceneRegenerate(projectID, sceneID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regens = append(q.regens, sceneID)
	return nil
}

func (q *fakeQueue) EnqueueRenderDrive(projectID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.renders = append(q.renders, projectID)
	return nil
}
