package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError describes one invalid setting
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks every setting and returns all problems found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	positive := func(field string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, ValidationError{Field: field, Value: d, Message: "must be positive"})
		}
	}

	if c.Control.Socket == "" && c.Control.AdminAddr == "" {
		errs = append(errs, ValidationError{Field: "control.socket", Value: "", Message: "socket or admin_addr is required"})
	}
	if c.Store.DataDir == "" {
		errs = append(errs, ValidationError{Field: "store.data_dir", Value: "", Message: "is required"})
	}
	if c.Store.HistoryLimit < 0 {
		errs = append(errs, ValidationError{Field: "store.history_limit", Value: c.Store.HistoryLimit, Message: "must not be negative"})
	}

	positive("pool.start_timeout", c.Pool.StartTimeout)
	positive("pool.drain_timeout", c.Pool.DrainTimeout)
	positive("pool.stop_timeout", c.Pool.StopTimeout)
	positive("pool.health_interval", c.Pool.HealthInterval)
	positive("pool.health_timeout", c.Pool.HealthTimeout)
	positive("pool.restart_window", c.Pool.RestartWindow)
	if c.Pool.HealthRetries < 1 {
		errs = append(errs, ValidationError{Field: "pool.health_retries", Value: c.Pool.HealthRetries, Message: "must be at least 1"})
	}
	if c.Pool.RestartBudget < 1 {
		errs = append(errs, ValidationError{Field: "pool.restart_budget", Value: c.Pool.RestartBudget, Message: "must be at least 1"})
	}

	positive("controlplane.converge_timeout", c.ControlPlane.ConvergeTimeout)
	positive("controlplane.collect_interval", c.ControlPlane.CollectInterval)
	positive("shutdown.grace", c.Shutdown.Grace)
	positive("watch.debounce", c.Watch.Debounce)
	positive("supervisor.grace", c.Supervisor.Grace)
	positive("supervisor.reap_interval", c.Supervisor.ReapInterval)

	return errs
}
