package api

import (
	"errors"
	"net/http"
	"time"

	"PromoForge-server/models"
	"PromoForge-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// RequestRender 渲染请求。?force=true 是管理员越权开关：
// 跳过门禁阻塞但会记日志（见 orchestrator）。
func RequestRender(c *gin.Context) {
	projectID := c.Param("project_id")
	force := c.Query("force") == "true"

	project, report, err := Orch.RequestRender(c.Request.Context(), projectID, force)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRenderBlocked):
			// 策略拒绝，不是故障：把阻塞原因完整交给调用方
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"blocked":          true,
				"blocking_reasons": report.BlockingReasons,
				"quality_report":   report,
				"project":          project,
			})
		case errors.Is(err, service.ErrAlreadyRendering):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "project": project})
		case errors.Is(err, service.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "project": project})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project":        project,
		"quality_report": report,
	})
}

// PollRenderStatus 渲染状态查询；rendering 中会顺带推进一次跟踪
func PollRenderStatus(c *gin.Context) {
	projectID := c.Param("project_id")

	project, outcome, err := Orch.PollRenderStatus(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"project":  project,
		"status":   project.Status,
		"progress": outcome.Progress,
	}
	if outcome.Throttled {
		resp["throttled"] = true
		resp["retry_after_sec"] = int(outcome.RetryAfter.Seconds())
	}
	if project.OutputURL != "" {
		resp["output_url"] = project.OutputURL
	}
	if len(project.ErrorMessages) > 0 {
		resp["errors"] = project.ErrorMessages
	}
	c.JSON(http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RenderProgressWebSocket 渲染进度推送：订阅数据库里的任务行并推差异，
// 外部轮询与状态写回由后台驱动任务负责，这里只读不写。
func RenderProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := ""
	prevProgress := -1.0

	for range ticker.C {
		project, err := Store.LoadProject(projectID)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": "project not found"})
			return
		}
		var progress float64
		if job, err := Store.ActiveRenderJob(projectID); err == nil && job != nil {
			progress = job.Progress
		} else if project.Status == models.ProjectStatusComplete {
			progress = 1
		}

		if project.Status != prevStatus || progress != prevProgress {
			if err := conn.WriteJSON(gin.H{
				"status":     project.Status,
				"progress":   progress,
				"output_url": project.OutputURL,
				"errors":     project.ErrorMessages,
			}); err != nil {
				return
			}
			prevStatus = project.Status
			prevProgress = progress
		}

		if project.Status == models.ProjectStatusComplete || project.Status == models.ProjectStatusError {
			return
		}
	}
}
