package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store 基于 GORM 的项目存储，整文档保存（last-write-wins）。
// 所有编排组件都通过它读写状态，进程内不保留可变的任务登记表。
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) LoadProject(id string) (*Project, error) {
	var p Project
	if err := s.DB.First(&p, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("project %s not found: %w", id, err)
	}
	return &p, nil
}

func (s *Store) SaveProject(p *Project) error {
	p.UpdatedAt = time.Now()
	return s.DB.Save(p).Error
}

func (s *Store) LoadScenes(projectID string) ([]Scene, error) {
	var scenes []Scene
	err := s.DB.Where("project_id = ?", projectID).Order("order_index ASC").Find(&scenes).Error
	return scenes, err
}

func (s *Store) LoadScene(projectID, sceneID string) (*Scene, error) {
	scene, err := GetSceneByIDGorm(s.DB, sceneID)
	if err != nil {
		return nil, fmt.Errorf("scene %s not found: %w", sceneID, err)
	}
	if scene.ProjectId != projectID {
		return nil, fmt.Errorf("scene %s does not belong to project %s", sceneID, projectID)
	}
	return scene, nil
}

func (s *Store) SaveScene(sc *Scene) error {
	sc.UpdatedAt = time.Now()
	return s.DB.Save(sc).Error
}

// ActiveRenderJob 项目当前进行中的渲染任务；没有则返回 nil
func (s *Store) ActiveRenderJob(projectID string) (*RenderJob, error) {
	var job RenderJob
	err := s.DB.Where("project_id = ? AND status IN ?", projectID,
		[]string{RenderStatusDispatched, RenderStatusRendering}).
		Order("created_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) LoadRenderJob(id string) (*RenderJob, error) {
	var job RenderJob
	if err := s.DB.First(&job, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("render job %s not found: %w", id, err)
	}
	return &job, nil
}

func (s *Store) SaveRenderJob(j *RenderJob) error {
	j.UpdatedAt = time.Now()
	return s.DB.Save(j).Error
}

// SupersedeRenderJobs 将项目所有 active 渲染任务标记为 superseded
// （reset-after-error 的一部分；后端侧的任务继续跑，迟到信号会被丢弃）
func (s *Store) SupersedeRenderJobs(projectID string) error {
	return s.DB.Model(&RenderJob{}).
		Where("project_id = ? AND status IN ?", projectID,
			[]string{RenderStatusDispatched, RenderStatusRendering}).
		Updates(map[string]interface{}{
			"status":     RenderStatusSuperseded,
			"updated_at": time.Now(),
		}).Error
}

func (s *Store) SaveChunk(c *RenderChunk) error {
	c.UpdatedAt = time.Now()
	return s.DB.Save(c).Error
}

func (s *Store) ChunksForJob(jobID string) ([]RenderChunk, error) {
	var chunks []RenderChunk
	err := s.DB.Where("render_job_id = ?", jobID).Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

// DeleteChunks 拼接成功后清理块记录（失败路径保留以便排障）
func (s *Store) DeleteChunks(jobID string) error {
	return s.DB.Where("render_job_id = ?", jobID).Delete(&RenderChunk{}).Error
}

func (s *Store) EnqueueReview(item *ReviewItem) error {
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	return s.DB.Create(item).Error
}

func (s *Store) ReviewQueue(projectID string) ([]ReviewItem, error) {
	var items []ReviewItem
	err := s.DB.Where("project_id = ? AND resolved = ?", projectID, false).
		Order("created_at ASC").Find(&items).Error
	return items, err
}

func (s *Store) ResolveReview(projectID, sceneID string) error {
	return s.DB.Model(&ReviewItem{}).
		Where("project_id = ? AND scene_id = ? AND resolved = ?", projectID, sceneID, false).
		Updates(map[string]interface{}{
			"resolved":   true,
			"updated_at": time.Now(),
		}).Error
}
