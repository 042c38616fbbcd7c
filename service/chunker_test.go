package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"PromoForge-server/models"
)

func makeScenes(durations ...float64) []models.Scene {
	scenes := make([]models.Scene, len(durations))
	for i, d := range durations {
		scenes[i] = models.Scene{
			ID:          fmt.Sprintf("scene-%d", i),
			OrderIndex:  i,
			DurationSec: d,
		}
	}
	return scenes
}

func TestShouldChunk(t *testing.T) {
	tests := []struct {
		name      string
		total     float64
		threshold float64
		hardLimit float64
		factor    float64
		want      bool
	}{
		{"short video stays standard", 60, 90, 840, 6, false},
		{"exactly at threshold stays standard", 90, 90, 840, 6, false},
		{"over duration threshold chunks", 91, 90, 840, 6, true},
		{"estimated render time over backend limit chunks", 85, 90, 840, 10, true},
		{"estimated render time within limit stays standard", 85, 90, 840, 9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldChunk(tt.total, tt.threshold, tt.hardLimit, tt.factor)
			if got != tt.want {
				t.Errorf("ShouldChunk(%.0f, %.0f, %.0f, %.0f) = %v, want %v",
					tt.total, tt.threshold, tt.hardLimit, tt.factor, got, tt.want)
			}
		})
	}
}

func TestBuildChunkPlanLongVideo(t *testing.T) {
	// 150 秒、10 个 15 秒场景，上限 120 秒：必然切成至少两块
	scenes := makeScenes(15, 15, 15, 15, 15, 15, 15, 15, 15, 15)

	plan, err := BuildChunkPlan(scenes, 120, 30)
	if err != nil {
		t.Fatalf("BuildChunkPlan failed: %v", err)
	}
	if len(plan) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(plan))
	}

	assertContiguousPlan(t, plan, scenes, 120, 30)
}

func TestBuildChunkPlanUnevenDurations(t *testing.T) {
	scenes := makeScenes(40, 55, 30, 70, 10, 25, 60)

	plan, err := BuildChunkPlan(scenes, 120, 24)
	if err != nil {
		t.Fatalf("BuildChunkPlan failed: %v", err)
	}
	assertContiguousPlan(t, plan, scenes, 120, 24)
}

func TestBuildChunkPlanSingleOversizedScene(t *testing.T) {
	// 单场景超过块上限：独占一块，不能再小，也不能被劈开
	scenes := makeScenes(30, 150, 30)

	plan, err := BuildChunkPlan(scenes, 120, 30)
	if err != nil {
		t.Fatalf("BuildChunkPlan failed: %v", err)
	}

	found := false
	for _, c := range plan {
		if c.SceneStart == 1 && c.SceneEnd == 1 {
			found = true
			if c.DurationSec != 150 {
				t.Errorf("oversized chunk duration = %.1f, want 150", c.DurationSec)
			}
		}
	}
	if !found {
		t.Errorf("oversized scene not isolated in its own chunk: %+v", plan)
	}
	assertSceneCoverage(t, plan, len(scenes))
}

func TestBuildChunkPlanFitsSingleChunk(t *testing.T) {
	scenes := makeScenes(20, 20, 20)

	plan, err := BuildChunkPlan(scenes, 120, 30)
	if err != nil {
		t.Fatalf("BuildChunkPlan failed: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("got %d chunks, want 1", len(plan))
	}
	if plan[0].SceneStart != 0 || plan[0].SceneEnd != 2 {
		t.Errorf("chunk covers scenes [%d..%d], want [0..2]", plan[0].SceneStart, plan[0].SceneEnd)
	}
}

func TestBuildChunkPlanFloatAccumulation(t *testing.T) {
	// 0.1 的浮点累加误差不得把恰好装满的块挤出去
	durations := make([]float64, 100)
	for i := range durations {
		durations[i] = 1.2
	}
	scenes := makeScenes(durations...)

	plan, err := BuildChunkPlan(scenes, 120, 30)
	if err != nil {
		t.Fatalf("BuildChunkPlan failed: %v", err)
	}
	if len(plan) != 1 {
		t.Errorf("got %d chunks for exactly-at-cap total, want 1", len(plan))
	}
}

func TestBuildChunkPlanRejectsBadInput(t *testing.T) {
	if _, err := BuildChunkPlan(nil, 120, 30); err == nil {
		t.Error("empty scene list accepted")
	}
	if _, err := BuildChunkPlan(makeScenes(10, 0, 10), 120, 30); err == nil {
		t.Error("zero-duration scene accepted")
	}
	if _, err := BuildChunkPlan(makeScenes(10), 0, 30); err == nil {
		t.Error("zero chunk cap accepted")
	}
}

func TestChunkRunnerSuccessDeliversOneStitchedOutput(t *testing.T) {
	store := newMemStore()
	project := &models.Project{ID: "proj-1", Status: models.ProjectStatusRendering, TotalDuration: 150, FrameRate: 30}
	store.SaveProject(project)
	job := &models.RenderJob{ID: "job-1", ProjectId: "proj-1", Method: models.RenderMethodChunked, Status: models.RenderStatusDispatched}
	store.SaveRenderJob(job)

	stitcher := &fakeStitcher{}
	runner := &ChunkRunner{
		Store:         store,
		Backend:       &fakeBackend{},
		Stitcher:      stitcher,
		CompositionID: "promo-video",
		ChunkCapSec:   120,
		MaxConcurrent: 1,
		PollInterval:  time.Millisecond,
	}

	// 150 秒必然切成多块，最终只交付一个拼接成品
	scenes := makeScenes(15, 15, 15, 15, 15, 15, 15, 15, 15, 15)
	url, err := runner.Run(context.Background(), project, scenes, job)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if url != "http://out.test/stitched.mp4" {
		t.Errorf("url = %q", url)
	}

	if len(stitcher.chunks) < 2 {
		t.Fatalf("stitcher got %d chunks, want at least 2", len(stitcher.chunks))
	}
	for i, c := range stitcher.chunks {
		if c.ChunkIndex != i {
			t.Errorf("stitch input %d has chunk index %d, order lost", i, c.ChunkIndex)
		}
		if c.Status != models.ChunkStatusComplete || c.OutputURL == "" {
			t.Errorf("chunk %d handed to stitcher incomplete: status=%q output=%q", i, c.Status, c.OutputURL)
		}
	}

	// 成功路径清理块记录
	chunks, _ := store.ChunksForJob("job-1")
	if len(chunks) != 0 {
		t.Errorf("%d chunk rows left after successful stitch", len(chunks))
	}
	// 聚合进度推到了任务行
	saved, _ := store.LoadRenderJob("job-1")
	if saved.Progress != 1 {
		t.Errorf("job progress = %.2f, want 1", saved.Progress)
	}
}

func TestChunkRunnerFailureNamesChunk(t *testing.T) {
	store := newMemStore()
	project := &models.Project{ID: "proj-1", Status: models.ProjectStatusRendering, TotalDuration: 150, FrameRate: 30}
	store.SaveProject(project)
	job := &models.RenderJob{ID: "job-1", ProjectId: "proj-1", Method: models.RenderMethodChunked, Status: models.RenderStatusDispatched}
	store.SaveRenderJob(job)

	runner := &ChunkRunner{
		Store:         store,
		Backend:       &fakeBackend{startErr: fmt.Errorf("backend rejected submission")},
		CompositionID: "promo-video",
		ChunkCapSec:   120,
		MaxConcurrent: 2,
		PollInterval:  time.Millisecond,
	}

	scenes := makeScenes(15, 15, 15, 15, 15, 15, 15, 15, 15, 15)
	_, err := runner.Run(context.Background(), project, scenes, job)
	if err == nil {
		t.Fatal("Run succeeded with a failing backend")
	}
	// 整体失败的错误必须指明是哪一块
	if !strings.Contains(err.Error(), "chunk ") || !strings.Contains(err.Error(), "failed") {
		t.Errorf("error %q does not name the failing chunk", err)
	}

	// 失败路径保留块记录用于排障
	chunks, _ := store.ChunksForJob("job-1")
	if len(chunks) == 0 {
		t.Error("chunk rows discarded on failure")
	}
	failed := 0
	for _, c := range chunks {
		if c.Status == models.ChunkStatusFailed {
			failed++
		}
	}
	if failed == 0 {
		t.Error("no chunk row marked failed")
	}
}

// assertContiguousPlan 分块计划的全部硬性质：覆盖全部场景、顺序连续、
// 不重叠、每块不超上限、帧号首尾相接
func assertContiguousPlan(t *testing.T, plan []ChunkSpec, scenes []models.Scene, capSec float64, frameRate int) {
	t.Helper()
	assertSceneCoverage(t, plan, len(scenes))

	for i, c := range plan {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		var dur float64
		for j := c.SceneStart; j <= c.SceneEnd; j++ {
			dur += scenes[j].DurationSec
		}
		if math.Abs(dur-c.DurationSec) > durationEpsilon {
			t.Errorf("chunk %d duration %.6f, scene sum %.6f", i, c.DurationSec, dur)
		}
		// 单场景块允许超上限（无法再小），多场景块必须守住上限
		if c.SceneEnd > c.SceneStart && !almostLTE(c.DurationSec, capSec) {
			t.Errorf("chunk %d duration %.2f exceeds cap %.2f", i, c.DurationSec, capSec)
		}
		if i > 0 {
			if c.SceneStart != plan[i-1].SceneEnd+1 {
				t.Errorf("chunk %d scene start %d not contiguous with previous end %d",
					i, c.SceneStart, plan[i-1].SceneEnd)
			}
			if c.StartFrame != plan[i-1].EndFrame+1 {
				t.Errorf("chunk %d start frame %d not contiguous with previous end frame %d",
					i, c.StartFrame, plan[i-1].EndFrame)
			}
		}
	}

	var total float64
	for _, s := range scenes {
		total += s.DurationSec
	}
	last := plan[len(plan)-1]
	wantLastFrame := int(math.Round(total*float64(frameRate))) - 1
	if last.EndFrame != wantLastFrame {
		t.Errorf("last frame %d, want %d", last.EndFrame, wantLastFrame)
	}
}

func assertSceneCoverage(t *testing.T, plan []ChunkSpec, sceneCount int) {
	t.Helper()
	if len(plan) == 0 {
		t.Fatal("empty plan")
	}
	if plan[0].SceneStart != 0 {
		t.Errorf("first chunk starts at scene %d, want 0", plan[0].SceneStart)
	}
	if plan[len(plan)-1].SceneEnd != sceneCount-1 {
		t.Errorf("last chunk ends at scene %d, want %d", plan[len(plan)-1].SceneEnd, sceneCount-1)
	}
}
