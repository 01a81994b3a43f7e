package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mingle/internal/constants"
	"mingle/internal/logger"
	"mingle/pkg/errors"
)

type BaseHandler struct {
	Service *Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

type Handler struct {
	BaseHandler
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		projects := v1.Group("/projects/:project_id")
		{
			projects.DELETE("", h.DeleteProject)
			projects.POST("/snapshots", h.RecordSnapshot)
			projects.DELETE("/entities/:entity_type/:entity_id", h.DeleteEntity)
			projects.POST("/history/regenerate", h.RegenerateHistory)
			projects.POST("/search/reindex", h.ReindexProject)
			projects.GET("/charts/:chart", h.GetChart)
			projects.POST("/charts/:chart/rebuild", h.RebuildChart)
		}

		v1.GET("/jobs/:action/:owner_id", h.GetJobStatus)
		v1.GET("/groups/:group_id", h.GetGroup)

		queues := v1.Group("/queues/:queue")
		{
			queues.GET("/size", h.GetQueueSize)
			queues.GET("/messages", h.BrowseQueue)
		}

		v1.GET("/dead-letters", h.ListDeadLetters)
	}
}

// RecordSnapshot godoc
// @Summary      Record a new entity version
// @Tags         history
// @Accept       json
// @Produce      json
// @Param        project_id  path      int                    true  "Project ID"
// @Param        snapshot    body      RecordSnapshotRequest  true  "Entity version"
// @Success      201         {object}  history.Event
// @Failure      400         {object}  map[string]interface{}
// @Router       /projects/{project_id}/snapshots [post]
func (h *Handler) RecordSnapshot(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var req RecordSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	event, err := h.Service.RecordSnapshot(c.Request.Context(), projectID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (h *Handler) DeleteEntity(c *gin.Context) {
	entityID, err := parseID("entity id", c.Param("entity_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.Service.DeleteEntity(c.Request.Context(), c.Param("entity_type"), entityID); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteProject(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.Service.DeleteProject(c.Request.Context(), projectID); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegenerateHistory godoc
// @Summary      Regenerate the change history of a project
// @Tags         jobs
// @Produce      json
// @Param        project_id  path      int  true  "Project ID"
// @Success      202         {object}  JobAccepted
// @Failure      400         {object}  map[string]interface{}
// @Failure      409         {object}  map[string]interface{}
// @Router       /projects/{project_id}/history/regenerate [post]
func (h *Handler) RegenerateHistory(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	job, err := h.Service.RegenerateHistory(c.Request.Context(), projectID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ReindexProject godoc
// @Summary      Rebuild the search documents of a project
// @Tags         jobs
// @Produce      json
// @Param        project_id  path      int  true  "Project ID"
// @Success      202         {object}  JobAccepted
// @Failure      409         {object}  map[string]interface{}
// @Router       /projects/{project_id}/search/reindex [post]
func (h *Handler) ReindexProject(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	job, err := h.Service.ReindexProject(c.Request.Context(), projectID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// RebuildChart godoc
// @Summary      Repopulate a cached chart
// @Tags         charts
// @Accept       json
// @Produce      json
// @Param        project_id  path      int                  true  "Project ID"
// @Param        chart       path      string               true  "Chart name"
// @Param        range       body      RebuildChartRequest  true  "Day range"
// @Success      202         {object}  JobAccepted
// @Failure      400         {object}  map[string]interface{}
// @Failure      404         {object}  map[string]interface{}
// @Failure      409         {object}  map[string]interface{}
// @Router       /projects/{project_id}/charts/{chart}/rebuild [post]
func (h *Handler) RebuildChart(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var req RebuildChartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	job, err := h.Service.RebuildChart(c.Request.Context(), projectID, c.Param("chart"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetChart godoc
// @Summary      Read the cached part of a chart
// @Tags         charts
// @Produce      json
// @Param        project_id  path      int     true  "Project ID"
// @Param        chart       path      string  true  "Chart name"
// @Param        from        query     string  true  "First day (YYYY-MM-DD)"
// @Param        to          query     string  true  "Last day (YYYY-MM-DD)"
// @Success      200         {object}  chartcache.View
// @Router       /projects/{project_id}/charts/{chart} [get]
func (h *Handler) GetChart(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("project_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	view, err := h.Service.Chart(c.Request.Context(), projectID, c.Param("chart"), c.Query("from"), c.Query("to"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetJobStatus godoc
// @Summary      Report whether a job is running
// @Tags         jobs
// @Produce      json
// @Param        action    path      string  true  "Job action"
// @Param        owner_id  path      string  true  "Owner key"
// @Success      200       {object}  models.JobStatus
// @Router       /jobs/{action}/{owner_id} [get]
func (h *Handler) GetJobStatus(c *gin.Context) {
	status, err := h.Service.JobStatus(c.Request.Context(), c.Param("action"), c.Param("owner_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) GetGroup(c *gin.Context) {
	group, err := h.Service.Group(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *Handler) GetQueueSize(c *gin.Context) {
	size, err := h.Service.QueueSize(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, size)
}

// BrowseQueue godoc
// @Summary      List the messages on a queue without leasing them
// @Tags         queues
// @Produce      json
// @Param        queue     path      string  true   "Queue name"
// @Param        selector  query     string  false  "Message selector"
// @Success      200       {object}  QueueMessages
// @Failure      400       {object}  map[string]interface{}
// @Router       /queues/{queue}/messages [get]
func (h *Handler) BrowseQueue(c *gin.Context) {
	msgs, err := h.Service.QueueMessages(c.Request.Context(), c.Param("queue"), c.Query("selector"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	entries, err := h.Service.DeadLetters(c.Request.Context(), c.Query("queue"), parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
