package api

import (
	"github.com/gin-gonic/gin"

	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/scheduler"
)

// SetupRoutes configures the scheduler API routes
func SetupRoutes(router *gin.RouterGroup, s *scheduler.Scheduler, log *logger.Logger) {
	handler := NewHandler(s, log)

	// Task routes
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.PUT("/:taskId", handler.UpdateTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)

		tasks.POST("/:taskId/pause", handler.PauseTask)
		tasks.POST("/:taskId/resume", handler.ResumeTask)
		tasks.POST("/:taskId/reorder", handler.ReorderTask)
		tasks.POST("/:taskId/execute", handler.ExecuteNow)

		tasks.GET("/:taskId/login", handler.LoginStatus)
		tasks.POST("/:taskId/login", handler.BeginLogin)
		tasks.POST("/:taskId/login/confirm", handler.ConfirmLogin)

		tasks.GET("/:taskId/log", handler.TaskLog)
	}

	// Dispatcher routes
	dispatcher := router.Group("/dispatcher")
	{
		dispatcher.POST("/start", handler.StartDispatcher)
		dispatcher.POST("/stop", handler.StopDispatcher)
		dispatcher.GET("/status", handler.DispatcherStatus)
	}
}
