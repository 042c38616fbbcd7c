package models

import "time"

// 渲染方式
const (
	RenderMethodStandard = "standard"
	RenderMethodChunked  = "chunked"
)

// 渲染任务状态
const (
	RenderStatusDispatched = "dispatched"
	RenderStatusRendering  = "rendering"
	RenderStatusComplete   = "complete"
	RenderStatusFailed     = "failed"
	// superseded: reset-after-error 之后旧任务作废，后端可能仍在跑，
	// 其迟到的完成信号会被 tracker 按 render_id 比对后丢弃
	RenderStatusSuperseded = "superseded"
)

// RenderJob 一次渲染尝试。每个项目同一时刻最多一个 active
// （dispatched/rendering）任务；计时字段全部落库，进程重启不丢失。
type RenderJob struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string `gorm:"index" json:"projectId"`
	Method    string `json:"method"`
	Status    string `json:"status"`

	// 后端句柄（chunked 渲染时为空，进度由各 chunk 聚合推入）
	BackendRenderID string `json:"backendRenderId"`
	BackendBucket   string `json:"backendBucket"`

	Progress       float64   `json:"progress"` // 0-1
	StartedAt      time.Time `json:"startedAt"`
	LastProgress   float64   `json:"lastProgress"`
	LastProgressAt time.Time `json:"lastProgressAt"`

	OutputURL string     `json:"outputUrl"`
	Errors    StringList `gorm:"type:json" json:"errors"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (RenderJob) TableName() string {
	return "render_job"
}

func (j *RenderJob) IsActive() bool {
	return j.Status == RenderStatusDispatched || j.Status == RenderStatusRendering
}

// TouchProgress 记录进度；只有数值变化才刷新 LastProgressAt，
// 停滞检测依赖这一点
func (j *RenderJob) TouchProgress(p float64, now time.Time) {
	j.Progress = p
	if p != j.LastProgress {
		j.LastProgress = p
		j.LastProgressAt = now
	}
}

// 分块状态
const (
	ChunkStatusPending   = "pending"
	ChunkStatusRendering = "rendering"
	ChunkStatusComplete  = "complete"
	ChunkStatusFailed    = "failed"
)

// RenderChunk 分块渲染的一块：连续场景区间 + 帧区间。
// 拼接成功后删除，失败时保留用于排障。
type RenderChunk struct {
	ID          string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RenderJobId string  `gorm:"index" json:"renderJobId"`
	ChunkIndex  int     `json:"chunkIndex"`
	SceneStart  int     `json:"sceneStart"` // 场景下标，含
	SceneEnd    int     `json:"sceneEnd"`   // 场景下标，含
	StartFrame  int     `json:"startFrame"`
	EndFrame    int     `json:"endFrame"`
	DurationSec float64 `json:"durationSec"`

	BackendRenderID string  `json:"backendRenderId"`
	BackendBucket   string  `json:"backendBucket"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	OutputURL       string  `json:"outputUrl"`
	Error           string  `json:"error"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (RenderChunk) TableName() string {
	return "render_chunk"
}

// ReviewItem 自动重生成策略耗尽后进入人工复核队列的记录
type ReviewItem struct {
	ID           string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string      `gorm:"index" json:"projectId"`
	SceneId      string      `gorm:"index" json:"sceneId"`
	Reason       string      `json:"reason"`
	AttemptsUsed int         `json:"attemptsUsed"`
	Attempts     AttemptList `gorm:"type:json" json:"attempts"`
	Resolved     bool        `json:"resolved"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func (ReviewItem) TableName() string {
	return "review_queue"
}
