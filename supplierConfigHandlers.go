package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vas_recon/middlewares"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
)

type supplierConfigItem struct {
	models.SupplierConfig
	RecentRuns []*models.ReconciliationRun `json:"recent_runs"`
}

func (s *reconServer) listSupplierConfigsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		configs, err := models.ListSupplierConfigs(ctx, s.db, c.Query("active") == "true")
		if err != nil {
			abortWithError(c, err)
			return
		}

		items := make([]supplierConfigItem, len(configs))
		thunks := make([]func() ([]*models.ReconciliationRun, error), len(configs))
		for i, cfg := range configs {
			items[i] = supplierConfigItem{SupplierConfig: cfg}
			thunks[i] = middlewares.For(ctx).SupplierRunsLoader.Load(ctx, cfg.ID)
		}
		for i, thunk := range thunks {
			runs, err := thunk()
			if err != nil {
				abortWithError(c, err)
				return
			}
			items[i].RecentRuns = runs
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

func (s *reconServer) getSupplierConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cfg, err := models.GetSupplierConfigByCode(ctx, s.db, c.Param("code"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		runs, err := middlewares.GetRecentRuns(ctx, cfg.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		history, err := models.ListEntityAuditEvents(ctx, s.db, workflow.EntitySupplierConfig, cfg.Code)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data":    supplierConfigItem{SupplierConfig: *cfg, RecentRuns: runs},
			"history": history,
		})
	}
}

// saveSupplierConfigHandler serves both create (POST) and update (PUT).
// Every save is a new version; runs already admitted keep their snapshot.
func (s *reconServer) saveSupplierConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg models.SupplierConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if code := c.Param("code"); code != "" {
			if cfg.Code != "" && !strings.EqualFold(cfg.Code, code) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "code in body does not match path"})
				return
			}
			cfg.Code = code
			if _, err := models.GetSupplierConfigByCode(c.Request.Context(), s.db, code); err != nil {
				abortWithError(c, err)
				return
			}
		}
		if err := cfg.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid supplier config", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
		saved, err := s.registry.SaveSupplierConfig(c.Request.Context(), &cfg, workflow.UserActor(actorId))
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusOK
		if saved.Version == 1 {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{"data": saved})
	}
}

func (s *reconServer) deactivateSupplierConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
		saved, err := s.registry.DeactivateSupplierConfig(c.Request.Context(), c.Param("code"), workflow.UserActor(actorId))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": saved})
	}
}

func (s *reconServer) deliveryWindowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := intQuery(c, "limit")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		windows, err := models.ListDeliveryWindows(c.Request.Context(), s.db, c.Param("code"), limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": windows})
	}
}
