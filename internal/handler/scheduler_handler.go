package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/pkg/response"
)

// SchedulerHandler exposes one scheduler run to the platform cron
type SchedulerHandler struct {
	scheduler service.SchedulerService
}

// NewSchedulerHandler creates a new SchedulerHandler
func NewSchedulerHandler(scheduler service.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// Run handles POST /internal/scheduler/run
// Step failures are reported in the body with success=false, never as a 5xx.
func (h *SchedulerHandler) Run(c *gin.Context) {
	resp, err := h.scheduler.Run(c.Request.Context())
	if err != nil {
		response.InternalError(c)
		return
	}
	response.OK(c, resp)
}
