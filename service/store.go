package service

import "PromoForge-server/models"

// ProjectStore 编排核心的唯一事实来源。生产实现是 models.Store（MySQL），
// 测试用内存实现。整文档读写，每次状态转移前重读当前状态（见 orchestrator）。
type ProjectStore interface {
	LoadProject(id string) (*models.Project, error)
	SaveProject(p *models.Project) error

	LoadScenes(projectID string) ([]models.Scene, error)
	LoadScene(projectID, sceneID string) (*models.Scene, error)
	SaveScene(s *models.Scene) error

	ActiveRenderJob(projectID string) (*models.RenderJob, error)
	LoadRenderJob(id string) (*models.RenderJob, error)
	SaveRenderJob(j *models.RenderJob) error
	SupersedeRenderJobs(projectID string) error

	SaveChunk(c *models.RenderChunk) error
	ChunksForJob(jobID string) ([]models.RenderChunk, error)
	DeleteChunks(jobID string) error

	EnqueueReview(item *models.ReviewItem) error
	ReviewQueue(projectID string) ([]models.ReviewItem, error)
	ResolveReview(projectID, sceneID string) error
}
