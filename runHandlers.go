package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vas_recon/middlewares"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/models/reports"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
)

const dateLayout = "2006-01-02"

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrResolutionConflict),
		errors.Is(err, utils.ErrIllegalTransition),
		errors.Is(err, workflow.ErrRunNotReplayable):
		return http.StatusConflict
	case errors.Is(err, utils.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, utils.ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, workflow.ErrPoolStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var conflict *workflow.ResolutionConflictError
	if errors.As(err, &conflict) {
		body["data"] = conflict.Current
	}
	if status == http.StatusBadRequest {
		body["fields"] = utils.ProcessValidationErrors(err)
	}
	c.AbortWithStatusJSON(status, body)
}

// parseTimeParam accepts RFC3339 or a bare date (UTC midnight).
func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339 or %s", name, dateLayout)
	}
	return &t, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

type runListItem struct {
	models.ReconciliationRun
	SupplierName string `json:"supplier_name"`
}

func (s *reconServer) listRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		filter := models.RunFilter{SupplierCode: strings.TrimSpace(c.Query("supplier"))}
		if v := c.Query("status"); v != "" {
			status, err := models.ParseRunStatus(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.Status = &status
		}
		var err error
		if filter.From, err = parseTimeParam(c, "from"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if filter.To, err = parseTimeParam(c, "to"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if after := c.Query("after"); after != "" {
			filter.After = &after
		}
		if filter.Limit, err = intQuery(c, "limit"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		runs, pageInfo, err := models.ListRuns(ctx, s.db, filter)
		if err != nil {
			abortWithError(c, err)
			return
		}

		ids := make([]int, len(runs))
		for i, r := range runs {
			ids[i] = r.SupplierConfigId
		}
		configs, errs := middlewares.GetSupplierConfigs(ctx, ids)
		items := make([]runListItem, len(runs))
		for i, r := range runs {
			r.ConfigSnapshot = nil
			r.ParseReport = nil
			items[i] = runListItem{ReconciliationRun: r}
			if i < len(configs) && configs[i] != nil && (len(errs) <= i || errs[i] == nil) {
				items[i].SupplierName = configs[i].Name
			}
		}
		c.JSON(http.StatusOK, gin.H{"data": items, "pageInfo": pageInfo})
	}
}

func (s *reconServer) getRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := models.GetRun(c.Request.Context(), s.db, c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		item := runListItem{ReconciliationRun: *run}
		if cfg, err := middlewares.GetSupplierConfig(c.Request.Context(), run.SupplierConfigId); err == nil && cfg != nil {
			item.SupplierName = cfg.Name
		}
		c.JSON(http.StatusOK, gin.H{
			"data":    item,
			"summary": run.Summary(),
			"errors":  run.Errors(),
		})
	}
}

func (s *reconServer) listRunMatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		runId := c.Param("id")
		if _, err := models.GetRun(ctx, s.db, runId); err != nil {
			abortWithError(c, err)
			return
		}

		filter := models.MatchFilter{DiscrepancyOnly: c.Query("discrepancy_only") == "true"}
		if v := c.Query("match_status"); v != "" {
			status := models.MatchStatus(v)
			filter.MatchStatus = &status
		}
		if v := c.Query("resolution_status"); v != "" {
			status := models.ResolutionStatus(v)
			filter.ResolutionStatus = &status
		}
		var err error
		if filter.Limit, err = intQuery(c, "limit"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if filter.Offset, err = intQuery(c, "offset"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		matches, err := models.ListRunMatches(ctx, s.db, runId, filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": matches})
	}
}

func (s *reconServer) getMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		match, err := models.GetMatch(ctx, s.db, c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		events, err := models.ListEntityAuditEvents(ctx, s.db, workflow.EntityMatch, match.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": match, "details": match.Details(), "audit": events})
	}
}

func (s *reconServer) runAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		runId := c.Param("id")
		if _, err := models.GetRun(ctx, s.db, runId); err != nil {
			abortWithError(c, err)
			return
		}
		events, err := models.ListRunAuditEvents(ctx, s.db, runId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": events})
	}
}

func (s *reconServer) exportRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		runId := c.Param("id")
		export, err := reports.LoadRunExport(ctx, s.db, runId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		f, err := export.Workbook()
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer f.Close()

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%s.xlsx"`, runId))
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}

func (s *reconServer) replayRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.orch.ReplayRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func (s *reconServer) verifyAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := workflow.VerifyChain(c.Request.Context(), s.db)
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusOK
		if !report.Verified {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"data": report})
	}
}

func (s *reconServer) supplierSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := parseTimeParam(c, "from")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		to, err := parseTimeParam(c, "to")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if to == nil {
			now := time.Now().UTC()
			to = &now
		}
		if from == nil {
			start := to.AddDate(0, 0, -7)
			from = &start
		}
		if !from.Before(*to) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
			return
		}
		rows, err := reports.GetSupplierSummaryReport(c.Request.Context(), s.db, *from, *to, strings.TrimSpace(c.Query("supplier")))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": rows})
	}
}

type resolveMatchRequest struct {
	Method string `json:"method" binding:"required"`
	Notes  string `json:"notes"`
}

func (s *reconServer) resolveMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "method is required"})
			return
		}
		actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
		match, err := workflow.ApplyResolution(c.Request.Context(), s.db, c.Param("id"), req.Method, req.Notes, actorId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": match})
	}
}

type escalateMatchRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *reconServer) escalateMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req escalateMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
		match, err := workflow.Escalate(c.Request.Context(), s.db, c.Param("id"), req.Reason, actorId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": match})
	}
}

type auditCorrectionRequest struct {
	Supersedes string         `json:"supersedes" binding:"required"`
	Reason     string         `json:"reason" binding:"required"`
	Payload    map[string]any `json:"payload"`
}

// auditCorrectionHandler appends a correction that supersedes an earlier
// event; the original row is never touched.
func (s *reconServer) auditCorrectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req auditCorrectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "supersedes and reason are required"})
			return
		}
		actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
		event, err := workflow.AppendCorrection(c.Request.Context(), s.db, req.Supersedes, workflow.UserActor(actorId), req.Reason, req.Payload)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": event})
	}
}
