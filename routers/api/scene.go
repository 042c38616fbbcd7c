package api

import (
	"errors"
	"net/http"

	"PromoForge-server/service"

	"github.com/gin-gonic/gin"
)

// RegenerateScene 触发场景重生成（后台执行有界重试循环）。
// 已升级到人工复核的场景拒绝自动重生成。
func RegenerateScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	project, err := Orch.RegenerateScene(projectID, sceneID)
	if err != nil {
		if errors.Is(err, service.ErrSceneEscalated) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "scene awaits human review; approve it or supply a corrected prompt",
				"project": project,
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":  project,
		"scene_id": sceneID,
		"message":  "regeneration queued",
	})
}

// ApproveScene 人工决策入口：
//   - 无 body / prompt 为空：按现状放行（approved=true，解除复核）
//   - 带 corrected_prompt：用修正后的 prompt 做一次人工重生成尝试
func ApproveScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	var req struct {
		CorrectedPrompt string `json:"corrected_prompt"`
	}
	_ = c.ShouldBindJSON(&req)

	if req.CorrectedPrompt != "" {
		scene, err := Orch.Regen.RegenerateManual(c.Request.Context(), projectID, sceneID, req.CorrectedPrompt)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "scene": scene})
			return
		}
		c.JSON(http.StatusOK, gin.H{"scene": scene, "message": "manual regeneration passed"})
		return
	}

	scene, err := Store.LoadScene(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	scene.Approved = true
	scene.NeedsUserReview = false
	if err := Store.SaveScene(scene); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := Store.ResolveReview(projectID, sceneID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": scene, "message": "scene approved as-is"})
}

// GetReviewQueue 项目的人工复核队列（未解决项）
func GetReviewQueue(c *gin.Context) {
	projectID := c.Param("project_id")

	items, err := Store.ReviewQueue(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"items":      items,
		"total":      len(items),
	})
}
