package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the gin engine with every API route. Request logging is
// only enabled in debug.
func NewRouter(h *APIHandler, debug bool) *gin.Engine {
	router := gin.New()
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		// Teacher routes
		api.POST("/teachers/login", h.Login)
		api.GET("/teachers/:name/groups", h.GetGroups)
		api.POST("/teachers/:name/groups", h.CreateGroup)
		api.DELETE("/teachers/:name/groups/:code", h.DeleteGroup)

		// Group and student routes
		api.GET("/groups/:code", h.GetGroup)
		api.POST("/groups/:code/join", h.JoinGroup)
		api.GET("/groups/:code/students/:student", h.GetStudent)
		api.POST("/groups/:code/students/:student/grades", h.AddGrade)
		api.DELETE("/groups/:code/students/:student/grades/:id", h.DeleteGrade)

		// Spreadsheets
		api.POST("/groups/:code/import", h.ImportStudents)
		api.GET("/groups/:code/export", h.ExportGrades)

		// Sync state
		api.GET("/sync", h.GetSyncStatus)
		api.POST("/sync/connectivity", h.SetConnectivity)

		api.GET("/ping", PingHandler)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
