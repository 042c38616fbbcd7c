package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"PromoForge-server/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// 浮点时长比较统一带容差，不做精确相等
const durationEpsilon = 1e-6

func almostLTE(a, b float64) bool {
	return a <= b+durationEpsilon
}

// ChunkSpec 一块的静态描述：连续场景区间 + 帧区间
type ChunkSpec struct {
	Index       int
	SceneStart  int // 场景下标，含
	SceneEnd    int // 场景下标，含
	StartFrame  int
	EndFrame    int
	DurationSec float64
}

// ShouldChunk 是否走分块渲染：总时长超阈值，或单次渲染预估耗时
// 会踩到 serverless 执行硬限制
func ShouldChunk(totalDurationSec, thresholdSec, hardLimitSec, renderTimeFactor float64) bool {
	if totalDurationSec > thresholdSec+durationEpsilon {
		return true
	}
	return totalDurationSec*renderTimeFactor > hardLimitSec+durationEpsilon
}

// BuildChunkPlan 把有序场景序列切成连续分块：
//   - 保持场景顺序，绝不把单个场景劈到两块里
//   - 每块累计时长不超过 capSec（单场景超长时独占一块，无法再小）
//   - 帧区间按项目帧率推出，相邻块帧号连续
func BuildChunkPlan(scenes []models.Scene, capSec float64, frameRate int) ([]ChunkSpec, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("no scenes to chunk")
	}
	if capSec <= 0 {
		return nil, fmt.Errorf("invalid chunk cap: %f", capSec)
	}

	var chunks []ChunkSpec
	start := 0
	var acc float64
	var elapsed float64 // 块起点之前的累计时长

	flush := func(end int, dur float64) {
		startFrame := int(math.Round(elapsed * float64(frameRate)))
		endFrame := int(math.Round((elapsed+dur)*float64(frameRate))) - 1
		chunks = append(chunks, ChunkSpec{
			Index:       len(chunks),
			SceneStart:  start,
			SceneEnd:    end,
			StartFrame:  startFrame,
			EndFrame:    endFrame,
			DurationSec: dur,
		})
		elapsed += dur
	}

	for i := range scenes {
		d := scenes[i].DurationSec
		if d <= 0 {
			return nil, fmt.Errorf("scene %s has non-positive duration", scenes[i].ID)
		}
		if acc > 0 && !almostLTE(acc+d, capSec) {
			flush(i-1, acc)
			start = i
			acc = 0
		}
		acc += d
	}
	flush(len(scenes)-1, acc)
	return chunks, nil
}

// ChunkStitcher 把全部完成的分块拼成整片成品，返回成品 URL
type ChunkStitcher interface {
	Stitch(ctx context.Context, project *models.Project, job *models.RenderJob, chunks []*models.RenderChunk) (string, error)
}

// ChunkRunner 分块渲染的调度与拼接
type ChunkRunner struct {
	Store         ProjectStore
	Backend       RenderBackend
	Stitcher      ChunkStitcher
	CompositionID string
	ChunkCapSec   float64
	MaxConcurrent int
	PollInterval  time.Duration
}

// Run 派发全部分块、等待全部完成、拼接并上传成品。
// 任何一块失败则整体失败，错误信息指明是哪一块；不会交付部分结果。
func (r *ChunkRunner) Run(ctx context.Context, project *models.Project, scenes []models.Scene, job *models.RenderJob) (string, error) {
	plan, err := BuildChunkPlan(scenes, r.ChunkCapSec, project.FrameRate)
	if err != nil {
		return "", fmt.Errorf("build chunk plan failed: %w", err)
	}
	log.Printf("[Chunks] project %s: %d chunks for %.1fs total", project.ID, len(plan), project.TotalDuration)

	rows := make([]*models.RenderChunk, len(plan))
	for i, spec := range plan {
		rows[i] = &models.RenderChunk{
			ID:          uuid.NewString(),
			RenderJobId: job.ID,
			ChunkIndex:  spec.Index,
			SceneStart:  spec.SceneStart,
			SceneEnd:    spec.SceneEnd,
			StartFrame:  spec.StartFrame,
			EndFrame:    spec.EndFrame,
			DurationSec: spec.DurationSec,
			Status:      models.ChunkStatusPending,
			CreatedAt:   time.Now(),
		}
		if err := r.Store.SaveChunk(rows[i]); err != nil {
			return "", fmt.Errorf("persist chunk %d failed: %w", i, err)
		}
	}

	// fan-out：各块独立渲染，并发上限防止压垮后端
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.MaxConcurrent)
	for i := range rows {
		row := rows[i]
		spec := plan[i]
		g.Go(func() error {
			if err := r.renderChunk(gctx, project, scenes, spec, row, job); err != nil {
				return fmt.Errorf("chunk %d failed: %w", spec.Index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	url, err := r.Stitcher.Stitch(ctx, project, job, rows)
	if err != nil {
		return "", fmt.Errorf("stitch failed: %w", err)
	}

	// 拼接成功后块记录即弃（失败路径保留用于排障）
	if err := r.Store.DeleteChunks(job.ID); err != nil {
		log.Printf("[Chunks] cleanup chunk rows failed: %v", err)
	}
	return url, nil
}

// renderChunk 提交一块并轮询到终态，进度写入块记录并聚合到任务记录
func (r *ChunkRunner) renderChunk(ctx context.Context, project *models.Project, scenes []models.Scene, spec ChunkSpec, row *models.RenderChunk, job *models.RenderJob) error {
	inputProps := map[string]interface{}{
		"project_id":  project.ID,
		"chunk_index": spec.Index,
		"start_frame": spec.StartFrame,
		"end_frame":   spec.EndFrame,
		"scenes":      sceneProps(scenes[spec.SceneStart : spec.SceneEnd+1]),
	}

	renderID, bucket, err := r.Backend.StartRender(ctx, r.CompositionID, inputProps)
	if err != nil {
		row.Status = models.ChunkStatusFailed
		row.Error = err.Error()
		_ = r.Store.SaveChunk(row)
		return err
	}
	row.BackendRenderID = renderID
	row.BackendBucket = bucket
	row.Status = models.ChunkStatusRendering
	if err := r.Store.SaveChunk(row); err != nil {
		return err
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk polling canceled: %w", ctx.Err())
		case <-ticker.C:
			progress, err := r.Backend.GetProgress(ctx, renderID, bucket)
			if err != nil {
				var te *ThrottleError
				if errors.As(err, &te) {
					log.Printf("[Chunks] backend throttled, backing off %s", te.RetryAfter)
					sleepCtx(ctx, te.RetryAfter)
					continue
				}
				// 网络抖动按下一轮重试；持续无进展由 stall 检测兜底
				log.Printf("[Chunks] poll error (will retry): %v", err)
				continue
			}

			row.Progress = progress.Progress
			if progress.Done {
				row.Status = models.ChunkStatusComplete
				row.Progress = 1
				row.OutputURL = progress.OutputURL
			} else if len(progress.Errors) > 0 {
				row.Status = models.ChunkStatusFailed
				row.Error = strings.Join(progress.Errors, "; ")
			}
			if err := r.Store.SaveChunk(row); err != nil {
				log.Printf("[Chunks] persist chunk progress failed: %v", err)
			}
			r.pushAggregateProgress(job)

			if row.Status == models.ChunkStatusComplete {
				return nil
			}
			if row.Status == models.ChunkStatusFailed {
				return fmt.Errorf("backend reported: %s", row.Error)
			}
		}
	}
}

// pushAggregateProgress 分块渲染的任务级进度 = 各块进度均值，
// 由调度器主动推入任务记录（tracker 不再去查单个后端任务）
func (r *ChunkRunner) pushAggregateProgress(job *models.RenderJob) {
	chunks, err := r.Store.ChunksForJob(job.ID)
	if err != nil || len(chunks) == 0 {
		return
	}
	var sum float64
	for _, c := range chunks {
		sum += c.Progress
	}
	current, err := r.Store.LoadRenderJob(job.ID)
	if err != nil {
		return
	}
	current.TouchProgress(sum/float64(len(chunks)), time.Now())
	if err := r.Store.SaveRenderJob(current); err != nil {
		log.Printf("[Chunks] persist aggregate progress failed: %v", err)
	}
}

// FFmpegStitcher 下载各块产物，按原始顺序用 ffmpeg concat demuxer
// 无损拼接，成品经 Upload 上传（生产接 MinIO）。
// 临时目录在成功和失败路径上都会被清理。
type FFmpegStitcher struct {
	FFmpegPath string
	ScratchDir string // 为空用系统临时目录
	Upload     func(r io.Reader, objectName string, size int64) (string, error)
}

func (s *FFmpegStitcher) Stitch(ctx context.Context, project *models.Project, job *models.RenderJob, rows []*models.RenderChunk) (string, error) {
	scratch, err := os.MkdirTemp(s.ScratchDir, "stitch-"+job.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir failed: %w", err)
	}
	defer os.RemoveAll(scratch)

	listPath := filepath.Join(scratch, "concat.txt")
	listFile, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("create concat list failed: %w", err)
	}

	for _, row := range rows {
		if row.OutputURL == "" {
			listFile.Close()
			return "", fmt.Errorf("chunk %d has no output", row.ChunkIndex)
		}
		local := filepath.Join(scratch, fmt.Sprintf("chunk-%03d.mp4", row.ChunkIndex))
		if err := downloadTo(ctx, row.OutputURL, local); err != nil {
			listFile.Close()
			return "", fmt.Errorf("download chunk %d failed: %w", row.ChunkIndex, err)
		}
		fmt.Fprintf(listFile, "file '%s'\n", local)
	}
	if err := listFile.Close(); err != nil {
		return "", err
	}

	outPath := filepath.Join(scratch, "final.mp4")
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg concat failed: %v, output: %s", err, truncate(string(out), 2000))
	}

	objectName := fmt.Sprintf("renders/%s/final.mp4", project.ID)
	f, err := os.Open(outPath)
	if err != nil {
		return "", fmt.Errorf("open stitched file failed: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	url, err := s.Upload(f, objectName, info.Size())
	if err != nil {
		return "", fmt.Errorf("upload stitched video failed: %w", err)
	}
	log.Printf("[Chunks] project %s stitched %d chunks -> %s", project.ID, len(rows), objectName)
	return url, nil
}

func sceneProps(scenes []models.Scene) []map[string]interface{} {
	props := make([]map[string]interface{}, 0, len(scenes))
	for i := range scenes {
		s := &scenes[i]
		props = append(props, map[string]interface{}{
			"id":           s.ID,
			"type":         s.SceneType,
			"duration_sec": s.DurationSec,
			"narration":    s.Narration,
			"media_kind":   s.MediaKind,
			"media_ref":    s.MediaRef,
			"voice_url":    s.VoiceURL,
		})
	}
	return props
}

func downloadTo(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
