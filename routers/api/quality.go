package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunQualityAnalysis 对项目所有已生成素材的场景跑一轮质量分析，
// 返回重算后的门禁报告
func RunQualityAnalysis(c *gin.Context) {
	projectID := c.Param("project_id")

	project, report, err := Orch.RunQualityAnalysis(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project":        project,
		"quality_report": report,
		"can_render":     report.CanRender,
	})
}
