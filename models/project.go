package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 项目状态（状态机唯一合法状态集，见 service/orchestrator.go 的转移表）
const (
	ProjectStatusDraft     = "draft"     // 场景素材生成中，尚不可渲染
	ProjectStatusReady     = "ready"     // 所有场景素材已生成，等待渲染请求
	ProjectStatusRendering = "rendering" // 渲染任务进行中
	ProjectStatusComplete  = "complete"  // 渲染完成，output_url 可用
	ProjectStatusError     = "error"     // 渲染失败/超时/停滞，可通过 reset 恢复到 ready
)

const HistoryDepth = 10

type Project struct {
	ID            string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title         string  `json:"title"`
	ProductBrief  string  `json:"productBrief"`
	ScriptText    string  `json:"scriptText"`
	Status        string  `json:"status"`
	TotalDuration float64 `json:"totalDuration"` // 秒，等于各场景时长之和
	FrameRate     int     `json:"frameRate"`

	// 整片背景音乐，素材生成完成时按产品简介生成（可为空）
	MusicURL string `json:"musicUrl"`

	// 质量门禁最近一次评估结果（派生缓存，真实来源永远是按需重算）
	QualityReport *QualityReport `gorm:"type:json" json:"qualityReport"`

	// 渲染元数据，渲染开始前均为空；reset 时整体清空
	RenderID     string `json:"renderId"`
	RenderBucket string `json:"renderBucket"`
	OutputURL    string `json:"outputUrl"`

	ErrorMessages StringList     `gorm:"type:json" json:"errorMessages"`
	History       ProjectHistory `gorm:"type:json" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// HasRenderMetadata 渲染元数据是否已写入（rendering 状态下必须为 true）
func (p *Project) HasRenderMetadata() bool {
	return p.RenderID != ""
}

// ClearRenderMetadata 丢弃渲染任务痕迹，reset-after-error 时调用
func (p *Project) ClearRenderMetadata() {
	p.RenderID = ""
	p.RenderBucket = ""
	p.OutputURL = ""
	p.ErrorMessages = nil
}

// HistoryEntry 状态变迁前的项目快照，支持有限深度的撤销/审计
type HistoryEntry struct {
	Status    string    `json:"status"`
	RenderID  string    `json:"render_id,omitempty"`
	OutputURL string    `json:"output_url,omitempty"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

type ProjectHistory []HistoryEntry

// PushHistory 追加快照并裁剪到 HistoryDepth
func (p *Project) PushHistory(note string) {
	p.History = append(p.History, HistoryEntry{
		Status:    p.Status,
		RenderID:  p.RenderID,
		OutputURL: p.OutputURL,
		Note:      note,
		At:        time.Now(),
	})
	if len(p.History) > HistoryDepth {
		p.History = p.History[len(p.History)-HistoryDepth:]
	}
}

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

func (h ProjectHistory) Value() (driver.Value, error) {
	if h == nil {
		return json.Marshal([]HistoryEntry{})
	}
	return json.Marshal(h)
}

func (h *ProjectHistory) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, h)
}
