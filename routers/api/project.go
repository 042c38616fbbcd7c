package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"PromoForge-server/config"
	"PromoForge-server/models"
	"PromoForge-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 编排器与存储由 main 注入，handler 继续用包级函数
var (
	Orch  *service.Orchestrator
	Store *models.Store
)

func Init(orch *service.Orchestrator, store *models.Store) {
	Orch = orch
	Store = store
}

// CreateProject 创建项目：脚本拆场景，素材生成任务 fan-out，项目进入 draft
func CreateProject(c *gin.Context) {
	var req struct {
		Title        string `json:"title"`
		ProductBrief string `json:"product_brief"`
		ScriptText   string `json:"script_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScriptText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script_text is required"})
		return
	}

	project := models.Project{
		ID:           uuid.NewString(),
		Title:        req.Title,
		ProductBrief: req.ProductBrief,
		ScriptText:   req.ScriptText,
		Status:       models.ProjectStatusDraft,
		FrameRate:    config.AppConfig.Render.FrameRate,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	scenes := service.SplitScript(project.ID, req.ScriptText)
	if len(scenes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script produced no scenes"})
		return
	}
	project.TotalDuration = service.TotalDuration(scenes)

	if err := Store.SaveProject(&project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create project failed: " + err.Error()})
		return
	}
	if err := models.BatchCreateScenes(Store.DB, scenes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create scenes failed: " + err.Error()})
		return
	}

	if err := Orch.KickoffGeneration(project.ID); err != nil {
		log.Printf("kickoff generation failed: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"project":     project,
		"scene_count": len(scenes),
		"total_sec":   project.TotalDuration,
	})
}

// GetProject 项目详情 + 场景列表
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := Store.LoadProject(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + err.Error()})
		return
	}
	scenes, err := Store.LoadScenes(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load scenes failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"scenes":  scenes,
	})
}

// ResetAfterError 错误后复位（幂等：ready 上再调一次是 no-op）
func ResetAfterError(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := Orch.ResetAfterError(projectID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "project": project})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}
