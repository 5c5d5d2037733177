// Package config loads process configuration from environment variables,
// the way the rest of the codebase's pack conventionally does it: a
// declarative table of {envVar, apply} entries rather than a struct-tag
// based decoder. Missing required variables are a fatal error at startup
// (spec.md §7).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Controller holds everything the controller process needs.
type Controller struct {
	Backends         []string
	DatabasePath     string
	TaskAPIAddr      string
	TaskAPITokens    map[string]string // backend -> bearer token
	RAPClientTokens  map[string]string // backend -> RAP client token
	JobServerURL     string
	JobServerToken   string
	TickInterval     time.Duration
	SyncInterval     time.Duration
	MaxWorkers       map[string]int // backend -> total worker cap
	MaxDBWorkers     map[string]int // backend -> db worker cap
	MaxTaskRetries   int
	TelemetryURL     string
	LogLevel         string
	EscalateWebhook  string
	EscalateSlack    string
}

// Agent holds everything one agent process needs.
type Agent struct {
	Backend         string
	TaskAPIURL      string
	TaskAPIToken    string
	ContainerRuntime string
	StageRoot       string
	OutputHighPrivacyRoot   string
	OutputMediumPrivacyRoot string
	PollInterval    time.Duration
	MaxParallelJobs int
	LogLevel        string
}

// controllerEnvOverrides applies an environment variable to a Controller field if set.
var controllerEnvOverrides = []struct {
	envVar string
	apply  func(*Controller, string) error
}{
	{"JOBRUNNER_BACKENDS", func(c *Controller, v string) error { c.Backends = splitCSV(v); return nil }},
	{"JOBRUNNER_DATABASE_PATH", func(c *Controller, v string) error { c.DatabasePath = v; return nil }},
	{"JOBRUNNER_TASKAPI_ADDR", func(c *Controller, v string) error { c.TaskAPIAddr = v; return nil }},
	{"JOBRUNNER_JOBSERVER_URL", func(c *Controller, v string) error { c.JobServerURL = v; return nil }},
	{"JOBRUNNER_JOBSERVER_TOKEN", func(c *Controller, v string) error { c.JobServerToken = v; return nil }},
	{"JOBRUNNER_TICK_INTERVAL", func(c *Controller, v string) error { return setDuration(&c.TickInterval, v) }},
	{"JOBRUNNER_SYNC_INTERVAL", func(c *Controller, v string) error { return setDuration(&c.SyncInterval, v) }},
	{"JOBRUNNER_MAX_TASK_RETRIES", func(c *Controller, v string) error { return setInt(&c.MaxTaskRetries, v) }},
	{"JOBRUNNER_TELEMETRY_URL", func(c *Controller, v string) error { c.TelemetryURL = v; return nil }},
	{"JOBRUNNER_LOG_LEVEL", func(c *Controller, v string) error { c.LogLevel = v; return nil }},
	{"JOBRUNNER_ESCALATE_WEBHOOK", func(c *Controller, v string) error { c.EscalateWebhook = v; return nil }},
	{"JOBRUNNER_ESCALATE_SLACK", func(c *Controller, v string) error { c.EscalateSlack = v; return nil }},
}

// LoadController builds a Controller config from environment variables,
// applying defaults first and returning an error for anything required
// but missing (fatal config error, per spec.md §7).
func LoadController() (*Controller, error) {
	cfg := &Controller{
		DatabasePath:    "jobrunner.sqlite",
		TaskAPIAddr:     ":8000",
		TickInterval:    5 * time.Second,
		SyncInterval:    30 * time.Second,
		MaxTaskRetries:  3,
		MaxWorkers:      map[string]int{},
		MaxDBWorkers:    map[string]int{},
		TaskAPITokens:   map[string]string{},
		RAPClientTokens: map[string]string{},
	}

	for _, o := range controllerEnvOverrides {
		if v := os.Getenv(o.envVar); v != "" {
			if err := o.apply(cfg, v); err != nil {
				return nil, fmt.Errorf("config: %s: %w", o.envVar, err)
			}
		}
	}

	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("config: JOBRUNNER_BACKENDS is required")
	}

	for _, backend := range cfg.Backends {
		token := os.Getenv("JOBRUNNER_TASKAPI_TOKEN_" + backend)
		if token == "" {
			return nil, fmt.Errorf("config: JOBRUNNER_TASKAPI_TOKEN_%s is required", backend)
		}
		cfg.TaskAPITokens[backend] = token

		if v := os.Getenv("JOBRUNNER_RAP_TOKEN_" + backend); v != "" {
			cfg.RAPClientTokens[backend] = v
		}
		if v := os.Getenv("JOBRUNNER_MAX_WORKERS_" + backend); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: JOBRUNNER_MAX_WORKERS_%s: %w", backend, err)
			}
			cfg.MaxWorkers[backend] = n
		} else {
			cfg.MaxWorkers[backend] = 5
		}
		if v := os.Getenv("JOBRUNNER_MAX_DB_WORKERS_" + backend); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: JOBRUNNER_MAX_DB_WORKERS_%s: %w", backend, err)
			}
			cfg.MaxDBWorkers[backend] = n
		} else {
			cfg.MaxDBWorkers[backend] = 1
		}
	}

	return cfg, nil
}

var agentEnvOverrides = []struct {
	envVar string
	apply  func(*Agent, string) error
}{
	{"JOBRUNNER_BACKEND", func(a *Agent, v string) error { a.Backend = v; return nil }},
	{"JOBRUNNER_TASKAPI_URL", func(a *Agent, v string) error { a.TaskAPIURL = v; return nil }},
	{"JOBRUNNER_TASKAPI_TOKEN", func(a *Agent, v string) error { a.TaskAPIToken = v; return nil }},
	{"JOBRUNNER_CONTAINER_RUNTIME", func(a *Agent, v string) error { a.ContainerRuntime = v; return nil }},
	{"JOBRUNNER_STAGE_ROOT", func(a *Agent, v string) error { a.StageRoot = v; return nil }},
	{"JOBRUNNER_OUTPUT_HIGH_PRIVACY_ROOT", func(a *Agent, v string) error { a.OutputHighPrivacyRoot = v; return nil }},
	{"JOBRUNNER_OUTPUT_MEDIUM_PRIVACY_ROOT", func(a *Agent, v string) error { a.OutputMediumPrivacyRoot = v; return nil }},
	{"JOBRUNNER_POLL_INTERVAL", func(a *Agent, v string) error { return setDuration(&a.PollInterval, v) }},
	{"JOBRUNNER_MAX_PARALLEL_JOBS", func(a *Agent, v string) error { return setInt(&a.MaxParallelJobs, v) }},
	{"JOBRUNNER_LOG_LEVEL", func(a *Agent, v string) error { a.LogLevel = v; return nil }},
}

// LoadAgent builds an Agent config from environment variables.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		StageRoot:       "/var/lib/jobrunner/workdir",
		PollInterval:    5 * time.Second,
		MaxParallelJobs: 5,
	}

	for _, o := range agentEnvOverrides {
		if v := os.Getenv(o.envVar); v != "" {
			if err := o.apply(cfg, v); err != nil {
				return nil, fmt.Errorf("config: %s: %w", o.envVar, err)
			}
		}
	}

	if cfg.Backend == "" {
		return nil, fmt.Errorf("config: JOBRUNNER_BACKEND is required")
	}
	if cfg.TaskAPIURL == "" {
		return nil, fmt.Errorf("config: JOBRUNNER_TASKAPI_URL is required")
	}
	if cfg.TaskAPIToken == "" {
		return nil, fmt.Errorf("config: JOBRUNNER_TASKAPI_TOKEN is required")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}
