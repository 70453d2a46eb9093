package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"examgate/internal/admission"
	"examgate/internal/auth"
	"examgate/internal/export"
	"examgate/internal/identity"
	"examgate/internal/session"
)

// Check reports whether a dependency is healthy.
type Check func(ctx context.Context) bool

// Options carries the token settings and health checks.
type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	Checks        map[string]Check
}

type Handler struct {
	teachers  *identity.Store
	sessions  *session.Registry
	admission *admission.Controller
	janitor   *admission.Janitor
	export    *export.Service
	opts      Options
}

func New(teachers *identity.Store, sessions *session.Registry, ctl *admission.Controller, janitor *admission.Janitor, exp *export.Service, opts Options) *Handler {
	return &Handler{teachers: teachers, sessions: sessions, admission: ctl, janitor: janitor, export: exp, opts: opts}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.opts.Checks {
		healthy := check(c.Request.Context())
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Teacher accounts ----------

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	LabName  string `json:"lab_name" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

func (h *Handler) RegisterTeacher(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.teachers.Register(c.Request.Context(), identity.NewTeacher{
		Name: req.Name, Email: req.Email, LabName: req.LabName, Password: req.Password,
	})
	switch {
	case errors.Is(err, identity.ErrEmailExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, identity.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		internalError(c, "register teacher", err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.teachers.VerifyCredentials(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, identity.ErrAuthenticationFailed) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "login", err)
		return
	}
	tok, err := auth.Issue(t.ID, t.LabName, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AccessTTL)
	if err != nil {
		internalError(c, "token issue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
		"teacher":      t,
	})
}

type passwordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.teachers.ResetCredentials(c.Request.Context(), auth.TeacherID(c), req.Password); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		internalError(c, "reset password", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type uploadsRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetUploads flips the uploads switch for every session of the caller.
func (h *Handler) SetUploads(c *gin.Context) {
	var req uploadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.SetUploadsEnabled(c.Request.Context(), auth.TeacherID(c), *req.Enabled); err != nil {
		internalError(c, "set uploads", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads_enabled": *req.Enabled})
}

// ---------- Sessions ----------

type createSessionRequest struct {
	LabName         string `json:"lab_name"`
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	teacherID := auth.TeacherID(c)
	lab := req.LabName
	if lab == "" {
		t, err := h.teachers.Get(c.Request.Context(), teacherID)
		if err != nil {
			internalError(c, "load teacher", err)
			return
		}
		lab = t.LabName
	}
	s, err := h.sessions.CreateSession(c.Request.Context(), teacherID, lab, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		internalError(c, "create session", err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListByTeacher(c.Request.Context(), auth.TeacherID(c))
	if err != nil {
		internalError(c, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

type extendRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1"`
}

func (h *Handler) ExtendSession(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	s, err := h.sessions.Extend(c.Request.Context(), s.ID, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) DeactivateSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	s, err := h.sessions.Deactivate(c.Request.Context(), s.ID)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.janitor.DeleteSession(c.Request.Context(), s.ID); err != nil {
		sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Export ----------

func (h *Handler) ListSubmissions(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	entries, err := h.export.ListSubmissions(c.Request.Context(), s.ID)
	if err != nil {
		internalError(c, "list submissions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "submissions": entries})
}

func (h *Handler) DownloadSubmission(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	serial, err := strconv.Atoi(c.Param("serial"))
	if err != nil || serial < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial must be a positive integer"})
		return
	}
	e, f, err := h.export.Open(c.Request.Context(), s.ID, serial)
	if errors.Is(err, export.ErrNoSubmission) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "open submission", err)
		return
	}
	defer f.Close()
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, e.StoredName))
	c.Header("X-Checksum-Sha256", e.Checksum)
	c.DataFromReader(http.StatusOK, e.Size, "application/octet-stream", f, nil)
}

func (h *Handler) Archive(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="exam_%s_all.zip"`, s.ID))
	c.Status(http.StatusOK)
	if _, err := h.export.WriteZip(c.Request.Context(), s.ID, c.Writer); err != nil {
		// headers are gone already; the client sees a truncated archive
		log.Printf("archive session %s: %v", s.ID, err)
	}
}

// ---------- Student submissions ----------

const formFile = "file"

// Submit streams a multipart submission into the admission controller. The
// text fields passcode, student_id and student_name must precede the file part.
func (h *Handler) Submit(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		rejected(c, admission.InvalidRequest)
		return
	}
	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			rejected(c, admission.InvalidRequest)
			return
		}
		if part.FormName() == formFile {
			h.submitPart(c, fields, part)
			_ = part.Close()
			return
		}
		v, err := io.ReadAll(io.LimitReader(part, 1024))
		_ = part.Close()
		if err != nil {
			rejected(c, admission.InvalidRequest)
			return
		}
		fields[part.FormName()] = string(v)
	}
	rejected(c, admission.InvalidRequest)
}

func (h *Handler) submitPart(c *gin.Context, fields map[string]string, part *multipart.Part) {
	res, err := h.admission.Submit(c.Request.Context(), admission.Request{
		Passcode:      fields["passcode"],
		StudentID:     fields["student_id"],
		StudentName:   fields["student_name"],
		SourceAddress: c.ClientIP(),
		Filename:      part.FileName(),
		Body:          part,
	})
	reason := admission.ReasonOf(err)
	if reason == admission.Internal {
		internalError(c, "submit", err)
		return
	}
	if err != nil {
		rejected(c, reason)
		return
	}
	c.JSON(reason.HTTPStatus(), gin.H{
		"reason":  reason,
		"message": reason.Message(),
		"serial":  res.Serial(),
		"lab":     res.LabName,
	})
}

// ---------- helpers ----------

// ownedSession loads :id and checks it belongs to the caller. It writes the
// error response itself.
func (h *Handler) ownedSession(c *gin.Context) (session.Session, bool) {
	s, err := h.sessions.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil || s.TeacherID != auth.TeacherID(c) {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			internalError(c, "lookup session", err)
			return session.Session{}, false
		}
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error()})
		return session.Session{}, false
	}
	return s, true
}

func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		internalError(c, "session", err)
	}
}

func rejected(c *gin.Context, reason admission.Reason) {
	c.JSON(reason.HTTPStatus(), gin.H{"reason": reason, "message": reason.Message()})
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("%s failed: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
