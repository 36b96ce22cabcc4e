package di

import (
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/handler"
	"github.com/prohmpiriya/featured-placement/internal/notifier"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/internal/worker"
)

// Container holds all dependencies for the featured placement service
type Container struct {
	// Ports
	Store     repository.PlacementStore
	Directory repository.DirectoryRepository
	Gateway   gateway.PaymentGateway
	Sink      notifier.Sink

	// Services
	NotificationService service.NotificationService
	SchedulerService    service.SchedulerService
	AdmissionService    service.AdmissionService
	CapacityService     service.CapacityService

	// Handlers
	HealthHandler    *handler.HealthHandler
	PlacementHandler *handler.PlacementHandler
	SchedulerHandler *handler.SchedulerHandler
	WebhookHandler   *handler.WebhookHandler

	// Workers
	PromotionWorker *worker.PromotionWorker
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	ServiceName string

	Store     repository.PlacementStore
	Directory repository.DirectoryRepository
	Gateway   gateway.PaymentGateway
	Sink      notifier.Sink

	// Pingers are checked by /ready
	Pingers map[string]handler.Pinger

	WebhookSecret string

	NotificationConfig *service.NotificationServiceConfig
	SchedulerConfig    *service.SchedulerServiceConfig
	AdmissionConfig    *service.AdmissionServiceConfig
	WorkerConfig       *worker.PromotionWorkerConfig
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	c := &Container{
		Store:     cfg.Store,
		Directory: cfg.Directory,
		Gateway:   cfg.Gateway,
		Sink:      cfg.Sink,
	}

	// Initialize services
	c.NotificationService = service.NewNotificationService(c.Store, c.Sink, nil, cfg.NotificationConfig)
	c.SchedulerService = service.NewSchedulerService(c.Store, c.Gateway, c.NotificationService, nil, cfg.SchedulerConfig)
	c.AdmissionService = service.NewAdmissionService(
		c.Store,
		c.Directory,
		c.Gateway,
		c.SchedulerService,
		c.NotificationService,
		nil,
		cfg.AdmissionConfig,
	)
	c.CapacityService = service.NewCapacityService(c.Store)

	// Initialize handlers
	c.HealthHandler = handler.NewHealthHandler(cfg.ServiceName, cfg.Pingers)
	c.PlacementHandler = handler.NewPlacementHandler(c.AdmissionService, c.CapacityService)
	c.SchedulerHandler = handler.NewSchedulerHandler(c.SchedulerService)
	c.WebhookHandler = handler.NewWebhookHandler(c.AdmissionService, c.Store, cfg.WebhookSecret)

	c.PromotionWorker = worker.NewPromotionWorker(c.SchedulerService, cfg.WorkerConfig)

	return c
}
