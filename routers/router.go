package routers

import (
	"PromoForge-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.POST("/projects/:project_id/render", api.RequestRender)
		v1.GET("/projects/:project_id/render", api.PollRenderStatus)
		v1.POST("/projects/:project_id/quality", api.RunQualityAnalysis)
		v1.POST("/projects/:project_id/reset", api.ResetAfterError)
		v1.GET("/projects/:project_id/review-queue", api.GetReviewQueue)
		v1.POST("/projects/:project_id/scenes/:scene_id/regenerate", api.RegenerateScene)
		v1.POST("/projects/:project_id/scenes/:scene_id/approve", api.ApproveScene)
	}
	r.GET("/projects/:project_id/render/wss", api.RenderProgressWebSocket)
	return r
}
