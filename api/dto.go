/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  JSON shapes composed from multiple layers for the dashboard-facing
  endpoints. Simple list endpoints serialize the store's row types directly;
  only responses that stitch layers together get a type here.

SEE ALSO:
  - handlers.go: Builds these from store, analytics and fetcher state
*/
package api

import (
	"github.com/sleli/tecnotouch/analytics"
	"github.com/sleli/tecnotouch/pipeline"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// DashboardDTO is the single-call payload for the landing view.
type DashboardDTO struct {
	Today         sqlite.OverviewStats    `json:"today"`
	Motors        []analytics.MotorReport `json:"motors"`
	MachineOnline bool                    `json:"machine_online"`
	LastDownload  *string                 `json:"last_download"`
	LastEventDate *string                 `json:"last_event_date"`
}

// MotorDetailDTO is one motor's report plus its newest sales.
type MotorDetailDTO struct {
	analytics.MotorReport
	RecentSales []sqlite.SaleRow `json:"recent_sales"`
}

// StatusDTO reports service-internal state for operators.
type StatusDTO struct {
	EventCount    int             `json:"event_count"`
	LastDownload  *string         `json:"last_download"`
	LastEventDate *string         `json:"last_event_date"`
	MachineIP     *string         `json:"machine_ip"`
	CacheStats    analytics.Stats `json:"cache_stats"`
	FetchRunning  bool            `json:"fetch_running"`
}

// HealthDTO is the machine reachability probe result.
type HealthDTO struct {
	ServiceOK     bool   `json:"service_ok"`
	MachineOnline bool   `json:"machine_online"`
	MachineError  string `json:"machine_error,omitempty"`
}

// ImportResponse wraps one import run's outcome.
type ImportResponse struct {
	Summary pipeline.Summary `json:"summary"`
	Message string           `json:"message,omitempty"`
}

// FetchStatusDTO mirrors the download manager's state.
type FetchStatusDTO struct {
	Running bool      `json:"running"`
	LastRun *FetchRun `json:"last_run"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
