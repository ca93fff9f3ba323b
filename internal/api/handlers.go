package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"sdhost/internal/download"
	"sdhost/internal/event"
	"sdhost/internal/generate"
	"sdhost/internal/mirror"
	"sdhost/internal/release"
	"sdhost/internal/task"
)

type taskIDResponse struct {
	TaskID string `json:"task_id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type startDownloadRequest struct {
	Files      []download.FileRef `json:"files"`
	DestFolder string             `json:"dest_folder"`
	MirrorID   string             `json:"mirror_id"`
}

type checkFilesRequest struct {
	Files      []download.FileRef `json:"files"`
	DestFolder string             `json:"dest_folder"`
}

type checkFilesResponse struct {
	Files []download.FileStatus `json:"files"`
}

type mirrorsResponse struct {
	Family    mirror.Family        `json:"family"`
	DefaultID string               `json:"default_id"`
	Mirrors   []mirror.Mirror      `json:"mirrors"`
	Probe     []mirror.ProbeResult `json:"probe,omitempty"`
}

type taskResponse struct {
	ID           string      `json:"id"`
	Kind         task.Kind   `json:"kind"`
	Status       task.Status `json:"status"`
	CreatedAt    string      `json:"created_at"`
	StartedAt    string      `json:"started_at,omitempty"`
	FinishedAt   string      `json:"finished_at,omitempty"`
	DurationMs   int64       `json:"duration_ms,omitempty"`
	Message      string      `json:"message,omitempty"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
}

// Deps are the services exposed over HTTP.
type Deps struct {
	Generator *generate.Supervisor
	Downloads []*download.Service
	// DefaultDest maps a family to the folder used when a batch names none.
	DefaultDest map[mirror.Family]string
	Releases    *release.Client
	Tasks       *task.Manager
	Hub         *event.Hub
}

type API struct {
	generator   *generate.Supervisor
	downloads   map[mirror.Family]*download.Service
	defaultDest map[mirror.Family]string
	releases    *release.Client
	tasks       *task.Manager
	hub         *event.Hub
}

func NewAPI(deps Deps) *API {
	a := &API{
		generator:   deps.Generator,
		downloads:   make(map[mirror.Family]*download.Service, len(deps.Downloads)),
		defaultDest: deps.DefaultDest,
		releases:    deps.Releases,
		tasks:       deps.Tasks,
		hub:         deps.Hub,
	}
	for _, svc := range deps.Downloads {
		a.downloads[svc.Family()] = svc
	}
	if a.hub == nil {
		a.hub = event.NewHub()
	}
	if a.releases == nil {
		a.releases = release.NewClient(nil, "")
	}
	return a
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/generate", a.StartGeneration)
		api.POST("/generate/cancel", a.CancelGeneration)

		api.POST("/downloads/:family", a.StartDownload)
		api.POST("/downloads/:family/cancel", a.CancelDownload)
		api.POST("/downloads/:family/check", a.CheckFiles)

		api.GET("/mirrors/:family", a.ListMirrors)
		api.POST("/mirrors/:family", a.AddMirror)
		api.DELETE("/mirrors/:family/:id", a.RemoveMirror)
		api.POST("/mirrors/:family/probe", a.ProbeMirrors)
		api.POST("/mirrors/:family/auto-select", a.AutoSelectMirror)

		api.GET("/engine/releases", a.EngineReleases)

		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/:id", a.GetTask)

		api.GET("/events", a.Events)
	}
}

// StartGeneration launches the engine for the posted request
func (a *API) StartGeneration(c *gin.Context) {
	var req generate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid generate request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if a.generator.Busy() {
		log.Warn().Msg("rejecting generation: already running")
		c.JSON(http.StatusConflict, gin.H{"error": "generation already running"})
		return
	}
	run, err := a.generator.Start(req)
	if err != nil {
		var verr *generate.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		log.Error().Err(err).Msg("failed to start generation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	go func() {
		for e := range run.Events() {
			a.hub.PublishEvent(e)
		}
	}()
	log.Info().Str("task_id", run.ID()).Str("model", req.DiffusionModel).Msg("generation accepted")
	c.JSON(http.StatusAccepted, taskIDResponse{TaskID: run.ID()})
}

// CancelGeneration stops the running generation, if any
func (a *API) CancelGeneration(c *gin.Context) {
	c.JSON(http.StatusOK, okResponse{OK: a.generator.Cancel()})
}

// StartDownload starts a batch for the family in the path
func (a *API) StartDownload(c *gin.Context) {
	svc, ok := a.downloadService(c)
	if !ok {
		return
	}
	var req startDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid download request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	dest := req.DestFolder
	if dest == "" {
		dest = a.defaultDest[svc.Family()]
	}
	run, err := svc.Start(c.Request.Context(), req.Files, dest, req.MirrorID)
	if err != nil {
		switch {
		case errors.Is(err, download.ErrNoFiles), errors.Is(err, download.ErrInvalidFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, mirror.ErrMirrorNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			log.Error().Str("family", string(svc.Family())).Err(err).Msg("failed to start download")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	go func() {
		for p := range run.Events() {
			a.hub.PublishDownload(p)
		}
	}()
	c.JSON(http.StatusAccepted, taskIDResponse{TaskID: run.ID()})
}

// CancelDownload stops the family's active batch
func (a *API) CancelDownload(c *gin.Context) {
	svc, ok := a.downloadService(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: svc.Cancel()})
}

// CheckFiles reports which requested files are already installed
func (a *API) CheckFiles(c *gin.Context) {
	svc, ok := a.downloadService(c)
	if !ok {
		return
	}
	var req checkFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	dest := req.DestFolder
	if dest == "" {
		dest = a.defaultDest[svc.Family()]
	}
	statuses, err := svc.CheckFiles(req.Files, dest)
	if err != nil {
		if errors.Is(err, download.ErrNoFiles) || errors.Is(err, download.ErrInvalidFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Str("family", string(svc.Family())).Err(err).Msg("failed to check files")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, checkFilesResponse{Files: statuses})
}

// ListMirrors returns built-in and custom mirrors with the cached probe results
func (a *API) ListMirrors(c *gin.Context) {
	reg, ok := a.mirrorRegistry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, mirrorsResponse{
		Family:    reg.Family(),
		DefaultID: reg.Default().ID,
		Mirrors:   reg.ListAll(),
		Probe:     reg.LastProbe(),
	})
}

// AddMirror stores a custom mirror
func (a *API) AddMirror(c *gin.Context) {
	reg, ok := a.mirrorRegistry(c)
	if !ok {
		return
	}
	var def mirror.Mirror
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	created, err := reg.Add(def)
	if err != nil {
		if errors.Is(err, mirror.ErrInvalidMirror) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Str("family", string(reg.Family())).Err(err).Msg("failed to add mirror")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// RemoveMirror deletes a custom mirror; unknown and built-in ids report ok=false
func (a *API) RemoveMirror(c *gin.Context) {
	reg, ok := a.mirrorRegistry(c)
	if !ok {
		return
	}
	removed, err := reg.Remove(c.Param("id"))
	if err != nil {
		log.Error().Str("mirror_id", c.Param("id")).Err(err).Msg("failed to remove mirror")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: removed})
}

// ProbeMirrors probes every mirror of the family
func (a *API) ProbeMirrors(c *gin.Context) {
	reg, ok := a.mirrorRegistry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": reg.Refresh(c.Request.Context())})
}

// AutoSelectMirror returns the fastest healthy mirror
func (a *API) AutoSelectMirror(c *gin.Context) {
	reg, ok := a.mirrorRegistry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, reg.AutoSelect(c.Request.Context(), reg.ListAll()))
}

// EngineReleases lists engine releases through the chosen engine mirror
func (a *API) EngineReleases(c *gin.Context) {
	svc, ok := a.downloads[mirror.Engine]
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine downloads not configured"})
		return
	}
	m, err := svc.Mirrors().Resolve(c.Query("mirror_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if c.Query("all") != "" {
		list, err := a.releases.List(c.Request.Context(), m, 0)
		if err != nil {
			log.Warn().Str("mirror_id", m.ID).Err(err).Msg("list releases failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
		return
	}
	latest, err := a.releases.Latest(c.Request.Context(), m)
	if err != nil {
		log.Warn().Str("mirror_id", m.ID).Err(err).Msg("fetch latest release failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, latest)
}

// ListTasks returns the task history, newest first
func (a *API) ListTasks(c *gin.Context) {
	tasks := a.tasks.List()
	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskResponse(&tasks[i]))
	}
	c.JSON(http.StatusOK, out)
}

// GetTask returns task status
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	if foundTask, ok := a.tasks.GetTask(id); ok {
		c.JSON(http.StatusOK, toTaskResponse(&foundTask))
		return
	}
	log.Warn().Str("task_id", id).Msg("task not found on get")
	c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
}

func (a *API) downloadService(c *gin.Context) (*download.Service, bool) {
	family, ok := mirror.ParseFamily(c.Param("family"))
	if ok {
		if svc, found := a.downloads[family]; found {
			return svc, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown family"})
	return nil, false
}

func (a *API) mirrorRegistry(c *gin.Context) (*mirror.Registry, bool) {
	svc, ok := a.downloadService(c)
	if !ok {
		return nil, false
	}
	return svc.Mirrors(), true
}

func toTaskResponse(t *task.Task) taskResponse {
	resp := taskResponse{
		ID:           t.ID,
		Kind:         t.Kind,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		DurationMs:   t.DurationMs,
		Message:      t.Message,
		ArtifactPath: t.ArtifactPath,
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.FinishedAt != nil {
		resp.FinishedAt = t.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
