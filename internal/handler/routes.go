package handler

import (
	"github.com/gin-gonic/gin"

	"examgate/internal/auth"
)

// Register mounts the API on r. submitLimit guards the student endpoint and
// the unauthenticated account endpoints.
func (h *Handler) Register(r gin.IRouter, submitLimit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/submissions", submitLimit, h.Submit)
	v1.POST("/teachers", submitLimit, h.RegisterTeacher)
	v1.POST("/auth/login", submitLimit, h.Login)

	teacher := v1.Group("", auth.TeacherAuth(h.opts.JWTSigningKey, h.opts.JWTIssuer))
	teacher.PUT("/teachers/me/password", h.ResetPassword)
	teacher.PUT("/uploads", h.SetUploads)
	teacher.POST("/sessions", h.CreateSession)
	teacher.GET("/sessions", h.ListSessions)
	teacher.POST("/sessions/:id/extend", h.ExtendSession)
	teacher.POST("/sessions/:id/deactivate", h.DeactivateSession)
	teacher.DELETE("/sessions/:id", h.DeleteSession)
	teacher.GET("/sessions/:id/submissions", h.ListSubmissions)
	teacher.GET("/sessions/:id/submissions/:serial/file", h.DownloadSubmission)
	teacher.GET("/sessions/:id/archive", h.Archive)
}
