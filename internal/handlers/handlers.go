package handlers

import (
	"errors"
	"io"
	"net/http"
	"portmeter/internal/models"
	"portmeter/internal/services"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// maxTrafficBody caps the counter text accepted per request.
const maxTrafficBody = 8 << 20

type TrafficHandler struct {
	cycles *services.CycleService
	log    logrus.FieldLogger

	locks sync.Map // server id -> *sync.Mutex
}

func RegisterRoutes(api *echo.Group, cycles *services.CycleService, log logrus.FieldLogger) {
	h := &TrafficHandler{cycles: cycles, log: log}

	api.POST("/servers/:id/traffic", h.IngestTraffic)
	api.GET("/servers/:id/usage", h.GetUsage)
}

// lock serialises cycles of one server.
func (h *TrafficHandler) lock(serverID uint) func() {
	v, _ := h.locks.LoadOrStore(serverID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func serverID(c echo.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (h *TrafficHandler) IngestTraffic(c echo.Context) error {
	id, ok := serverID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid server id"})
	}

	accumulate := false
	if v := c.QueryParam("accumulate"); v != "" {
		var err error
		accumulate, err = strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid accumulate flag"})
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxTrafficBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
	}
	if len(body) > maxTrafficBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "Traffic body too large"})
	}

	unlock := h.lock(id)
	defer unlock()

	report, err := h.cycles.RunCycle(c.Request().Context(), id, string(body), accumulate)
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Server not found"})
	}
	if err != nil {
		h.log.WithError(err).WithField("server_id", id).Error("cycle failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

type portUsage struct {
	Port               int                `json:"port"`
	Download           int64              `json:"download"`
	Upload             int64              `json:"upload"`
	DownloadAccumulate int64              `json:"download_accumulate"`
	UploadAccumulate   int64              `json:"upload_accumulate"`
	Config             models.LimitConfig `json:"config"`
	RuleActive         bool               `json:"rule_active"`
}

func (h *TrafficHandler) GetUsage(c echo.Context) error {
	id, ok := serverID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid server id"})
	}

	server, err := h.cycles.Usage(id)
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Server not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ports := make([]portUsage, 0, len(server.Ports))
	for _, p := range server.Ports {
		pu := portUsage{
			Port:       p.Num,
			Config:     p.Config.Data(),
			RuleActive: p.ForwardRule != nil,
		}
		if p.Usage != nil {
			pu.Download = p.Usage.Download
			pu.Upload = p.Usage.Upload
			pu.DownloadAccumulate = p.Usage.DownloadAccumulate
			pu.UploadAccumulate = p.Usage.UploadAccumulate
		}
		ports = append(ports, pu)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server_id": server.ID,
		"name":      server.Name,
		"ports":     ports,
	})
}
