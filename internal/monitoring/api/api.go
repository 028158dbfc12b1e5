// Package api exposes the read/ack REST surface over the evaluation store.
// The engine itself never depends on these routes.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/watchtower-ops/watchtower/internal/monitoring/database"
	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/kpialert"
)

// AlertReader is the alert surface the API needs. *database.AlertRepo
// satisfies it.
type AlertReader interface {
	Get(ctx context.Context, id string) (*model.Alert, error)
	List(ctx context.Context, status model.AlertStatus, limit int) ([]*model.Alert, error)
	UpdateStatus(ctx context.Context, id string, next model.AlertStatus) error
	Annotations(ctx context.Context, alertID string) ([]string, error)
}

// RunReader is the playbook-run surface. *database.PlaybookRepo satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.PlaybookRun, error)
	ListRuns(ctx context.Context, limit int) ([]*model.PlaybookRun, error)
}

// TrendReader serves history queries. *database.ResultRepo satisfies it.
type TrendReader interface {
	DriftTrend(ctx context.Context, metricID string, since time.Time) ([]database.TrendPoint, error)
	CoverageTrend(ctx context.Context, category string, since time.Time) ([]database.TrendPoint, error)
}

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	Ping() error
}

type Api struct {
	alerts AlertReader
	runs   RunReader
	trends TrendReader
	store  Pinger
}

// RegisterRoutes wires all monitoring routes onto the router.
func RegisterRoutes(router *gin.Engine, alerts AlertReader, runs RunReader, trends TrendReader, store Pinger) *Api {
	api := &Api{alerts: alerts, runs: runs, trends: trends, store: store}

	router.GET("/v1/alerts", api.ListAlerts)
	router.GET("/v1/alerts/:alertID", api.GetAlert)
	router.POST("/v1/alerts/:alertID/ack", api.AckAlert)
	router.POST("/v1/alerts/:alertID/resolve", api.ResolveAlert)
	router.GET("/v1/playbook-runs", api.ListRuns)
	router.GET("/v1/playbook-runs/:runID", api.GetRun)
	router.GET("/v1/drift/trends", api.DriftTrends)
	router.GET("/v1/coverage/trends", api.CoverageTrends)
	router.GET("/healthz", api.Healthz)
	return api
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// storeError maps repo errors onto the status they actually mean: a missing
// row is a 404, an unreachable store a 503, anything else a 500.
func storeError(c *gin.Context, err error, resource string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		apiError(c, http.StatusNotFound, "NOT_FOUND", resource+" not found")
	case errors.Is(err, model.ErrStoreUnavailable):
		apiError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
	default:
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

type alertDetailResponse struct {
	*model.Alert
	Annotations []string `json:"annotations"`
}

func (api *Api) ListAlerts(c *gin.Context) {
	status := model.AlertStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	alerts, err := api.alerts.List(c.Request.Context(), status, limit)
	if err != nil {
		storeError(c, err, "alerts")
		return
	}
	// Triage order regardless of how the reader stores them.
	kpialert.SortAlerts(alerts)
	c.JSON(http.StatusOK, map[string]any{"items": alerts, "count": len(alerts)})
}

func (api *Api) GetAlert(c *gin.Context) {
	id := c.Param("alertID")
	alert, err := api.alerts.Get(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "alert "+id)
		return
	}
	notes, err := api.alerts.Annotations(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "alert "+id)
		return
	}
	if notes == nil {
		notes = []string{}
	}
	c.JSON(http.StatusOK, alertDetailResponse{Alert: alert, Annotations: notes})
}

func (api *Api) AckAlert(c *gin.Context) {
	api.transition(c, model.AlertAcknowledged)
}

func (api *Api) ResolveAlert(c *gin.Context) {
	api.transition(c, model.AlertResolved)
}

func (api *Api) transition(c *gin.Context, next model.AlertStatus) {
	id := c.Param("alertID")
	if err := api.alerts.UpdateStatus(c.Request.Context(), id, next); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			apiError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
			return
		}
		storeError(c, err, "alert "+id)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"id": id, "status": next})
}

func (api *Api) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := api.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		storeError(c, err, "runs")
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": runs, "count": len(runs)})
}

func (api *Api) GetRun(c *gin.Context) {
	id := c.Param("runID")
	run, err := api.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "run "+id)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (api *Api) DriftTrends(c *gin.Context) {
	metricID := c.Query("metric")
	if metricID == "" {
		apiError(c, http.StatusBadRequest, "INVALID_PARAMETER", "missing metric")
		return
	}
	api.trend(c, func(ctx context.Context, since time.Time) ([]database.TrendPoint, error) {
		return api.trends.DriftTrend(ctx, metricID, since)
	})
}

func (api *Api) CoverageTrends(c *gin.Context) {
	category := c.Query("category")
	if category == "" {
		apiError(c, http.StatusBadRequest, "INVALID_PARAMETER", "missing category")
		return
	}
	api.trend(c, func(ctx context.Context, since time.Time) ([]database.TrendPoint, error) {
		return api.trends.CoverageTrend(ctx, category, since)
	})
}

func (api *Api) trend(c *gin.Context, fetch func(context.Context, time.Time) ([]database.TrendPoint, error)) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 || days > 365 {
		apiError(c, http.StatusBadRequest, "INVALID_PARAMETER", "days must be in 1..365")
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	points, err := fetch(c.Request.Context(), since)
	if err != nil {
		storeError(c, err, "trend")
		return
	}
	if points == nil {
		points = []database.TrendPoint{}
	}
	c.JSON(http.StatusOK, map[string]any{"items": points, "days": days})
}

func (api *Api) Healthz(c *gin.Context) {
	if api.store != nil {
		if err := api.store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
