package handlers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"math00ost/db"
	"math00ost/models"
	"math00ost/reconcile"
	"math00ost/store"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// APIHandler holds the dependencies for API handlers
type APIHandler struct {
	Store  *store.Store
	Policy *reconcile.Policy
	Logger *slog.Logger
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(st *store.Store, policy *reconcile.Policy, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{Store: st, Policy: policy, Logger: logger}
}

type (
	loginRequest struct {
		Teacher string `json:"teacher"`
	}

	createGroupRequest struct {
		Name string `json:"name"`
	}

	joinRequest struct {
		Student string `json:"student"`
	}

	gradeRequest struct {
		Value int    `json:"value"`
		Topic string `json:"topic"`
	}

	connectivityRequest struct {
		Online bool `json:"online"`
	}
)

type (
	groupSummary struct {
		Code         string    `json:"code"`
		Name         string    `json:"name"`
		Students     int       `json:"students"`
		LastModified time.Time `json:"lastModified"`
	}

	studentView struct {
		Name     string         `json:"name"`
		Grades   []models.Grade `json:"grades"`
		Average  string         `json:"average"`
		JoinedAt time.Time      `json:"joinedAt"`
	}

	groupView struct {
		Code         string        `json:"code"`
		Name         string        `json:"name"`
		Teacher      string        `json:"teacher"`
		Students     []studentView `json:"students"`
		CreatedAt    time.Time     `json:"createdAt"`
		LastModified time.Time     `json:"lastModified"`
	}
)

func summarize(groups []*models.Group) []groupSummary {
	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupSummary{Code: g.Code, Name: g.Name, Students: len(g.Students), LastModified: g.LastModified})
	}
	return out
}

func viewStudent(name string, st *models.Student) studentView {
	return studentView{
		Name:     name,
		Grades:   st.Grades,
		Average:  fmt.Sprintf("%.2f", st.Average()),
		JoinedAt: st.JoinedAt,
	}
}

func viewGroup(g *models.Group) groupView {
	names := make([]string, 0, len(g.Students))
	for name := range g.Students {
		names = append(names, name)
	}
	sort.Strings(names)
	students := make([]studentView, 0, len(names))
	for _, name := range names {
		students = append(students, viewStudent(name, g.Students[name]))
	}
	return groupView{
		Code:         g.Code,
		Name:         g.Name,
		Teacher:      g.Teacher,
		Students:     students,
		CreatedAt:    g.CreatedAt,
		LastModified: g.LastModified,
	}
}

// respondError maps domain errors to status codes. msg is shown for server errors.
func (h *APIHandler) respondError(c *gin.Context, err error, msg string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := make(map[string]string, len(verr.Fields))
		for _, f := range verr.Fields {
			fields[f.Field] = f.Error
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "fields": fields})
	case models.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.Logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// respond writes body with status. A local save error means the change was
// applied but not saved locally, so it is reported as a warning.
func (h *APIHandler) respond(c *gin.Context, status int, body gin.H, err error, msg string) {
	if err != nil && !models.IsSaveWarning(err) {
		h.respondError(c, err, msg)
		return
	}
	if err != nil {
		h.Logger.Warn("Change not saved locally", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		body["warning"] = saveWarning(err)
	}
	c.JSON(status, body)
}

func saveWarning(err error) string {
	if models.IsStorageQuota(err) {
		return "Saved in memory only: local storage is full"
	}
	return "Saved in memory only: local storage is unavailable"
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
}

// --- Teacher Handlers ---

// Login handles POST /api/teachers/login
func (h *APIHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.Policy.Login(c.Request.Context(), req.Teacher)
	if t == nil {
		h.respondError(c, err, "Failed to log in")
		return
	}
	groups, gerr := h.Store.GroupsOf(t.Name)
	if gerr != nil {
		h.respondError(c, gerr, "Failed to load groups")
		return
	}
	h.respond(c, http.StatusOK, gin.H{"teacher": t, "groups": summarize(groups)}, err, "Failed to log in")
}

// GetGroups handles GET /api/teachers/:name/groups
func (h *APIHandler) GetGroups(c *gin.Context) {
	groups, err := h.Store.GroupsOf(c.Param("name"))
	if err != nil {
		h.respondError(c, err, "Failed to retrieve groups")
		return
	}
	c.JSON(http.StatusOK, summarize(groups))
}

// CreateGroup handles POST /api/teachers/:name/groups
func (h *APIHandler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	code, err := h.Store.CreateGroup(c.Request.Context(), c.Param("name"), req.Name)
	if code == "" {
		h.respondError(c, err, "Failed to create group")
		return
	}
	h.respond(c, http.StatusCreated, gin.H{"code": code}, err, "Failed to create group")
}

// DeleteGroup handles DELETE /api/teachers/:name/groups/:code
func (h *APIHandler) DeleteGroup(c *gin.Context) {
	err := h.Store.DeleteGroup(c.Request.Context(), c.Param("name"), c.Param("code"))
	h.respond(c, http.StatusOK, gin.H{"message": "Group deleted"}, err, "Failed to delete group")
}

// --- Group Handlers ---

// GetGroup handles GET /api/groups/:code
func (h *APIHandler) GetGroup(c *gin.Context) {
	g, err := h.Store.Group(c.Param("code"))
	if err != nil {
		h.respondError(c, err, "Failed to retrieve group")
		return
	}
	c.JSON(http.StatusOK, viewGroup(g))
}

// JoinGroup handles POST /api/groups/:code/join
func (h *APIHandler) JoinGroup(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	code := c.Param("code")
	err := h.Policy.JoinGroup(c.Request.Context(), code, req.Student)
	if err != nil && !models.IsSaveWarning(err) {
		h.respondError(c, err, "Failed to join group")
		return
	}
	g, gerr := h.Store.Group(code)
	if gerr != nil {
		h.respondError(c, gerr, "Failed to retrieve group")
		return
	}
	h.respond(c, http.StatusOK, gin.H{"code": g.Code, "name": g.Name, "teacher": g.Teacher}, err, "Failed to join group")
}

// --- Student Handlers ---

// GetStudent handles GET /api/groups/:code/students/:student
func (h *APIHandler) GetStudent(c *gin.Context) {
	name := c.Param("student")
	st, err := h.Store.Student(c.Param("code"), name)
	if err != nil {
		h.respondError(c, err, "Failed to retrieve student")
		return
	}
	c.JSON(http.StatusOK, viewStudent(name, st))
}

// AddGrade handles POST /api/groups/:code/students/:student/grades
func (h *APIHandler) AddGrade(c *gin.Context) {
	var req gradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	grade, err := h.Store.AddGrade(c.Request.Context(), c.Param("code"), c.Param("student"), req.Value, req.Topic)
	if grade.ID == "" {
		h.respondError(c, err, "Failed to add grade")
		return
	}
	h.respond(c, http.StatusCreated, gin.H{"grade": grade}, err, "Failed to add grade")
}

// DeleteGrade handles DELETE /api/groups/:code/students/:student/grades/:id
func (h *APIHandler) DeleteGrade(c *gin.Context) {
	err := h.Store.DeleteGrade(c.Request.Context(), c.Param("code"), c.Param("student"), c.Param("id"))
	h.respond(c, http.StatusOK, gin.H{"message": "Grade deleted"}, err, "Failed to delete grade")
}

// --- Import/Export Handlers ---

// ImportStudents handles POST /api/groups/:code/import
func (h *APIHandler) ImportStudents(c *gin.Context) {
	code := store.NormalizeCode(c.Param("code"))

	file, header, err := c.Request.FormFile("file") // "file" is the name attribute in the form
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error retrieving uploaded file: " + err.Error()})
		return
	}
	defer file.Close()

	h.Logger.Info("Received file upload", slog.String("file", header.Filename), slog.String("group", code))

	importedCount, err := db.ImportStudentsFromExcel(c.Request.Context(), h.Store, file, code, h.Logger)
	if err != nil {
		if models.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.Logger.Warn("Importing students failed", slog.String("file", header.Filename), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to import students: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Import successful",
		"importedCount": importedCount,
		"code":          code,
	})
}

// ExportGrades handles GET /api/groups/:code/export
func (h *APIHandler) ExportGrades(c *gin.Context) {
	g, err := h.Store.Group(c.Param("code"))
	if err != nil {
		h.respondError(c, err, "Failed to retrieve group")
		return
	}
	var buf bytes.Buffer
	if err := db.ExportGroupToExcel(g, &buf); err != nil {
		h.respondError(c, err, "Failed to export grades")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, g.Code))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// --- Sync Handlers ---

// GetSyncStatus handles GET /api/sync
func (h *APIHandler) GetSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":  h.Policy.Online(),
		"pending": h.Policy.Pending(),
	})
}

// SetConnectivity handles POST /api/sync/connectivity
func (h *APIHandler) SetConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.Policy.SetOnline(c.Request.Context(), req.Online)
	c.JSON(http.StatusOK, gin.H{
		"online":  h.Policy.Online(),
		"pending": h.Policy.Pending(),
	})
}

// --- Ping Handler ---
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Pong!"})
}
