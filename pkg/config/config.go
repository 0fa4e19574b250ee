// Package config loads and validates the environment configuration of
// spec §6.1. Every value is read once at startup; there is exactly one
// Load call in the process (cmd/octolabd wires it before constructing the
// runtime selector).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RuntimeSelectorName is the enum accepted by the OCTOLAB_RUNTIME key.
type RuntimeSelectorName string

const (
	RuntimeNameCompose RuntimeSelectorName = "compose"
	RuntimeNameMicroVM RuntimeSelectorName = "microvm"
	RuntimeNameNoop    RuntimeSelectorName = "noop"
)

// Config is the fully-validated environment configuration.
type Config struct {
	Runtime RuntimeSelectorName `validate:"required,oneof=compose microvm firecracker noop"`

	PortMin int `validate:"required,min=1024,max=65534"`
	PortMax int `validate:"required,min=1025,max=65535,gtfield=PortMin"`

	StartupTimeoutSeconds  int `validate:"required,min=30,max=600"`
	TeardownTimeoutSeconds int `validate:"required,min=1"`

	TeardownWorkerEnabled         bool
	TeardownWorkerIntervalSeconds int  `validate:"min=1"`
	TeardownWorkerBatchSize       int  `validate:"min=1"`
	TeardownWorkerStartupTick     bool

	ReadinessGatingEnabled  bool
	ReadinessPaths          []string
	ReadinessTimeoutSeconds int `validate:"min=1"`
	ReadinessIntervalSeconds int `validate:"min=1"`

	EvidenceRetentionDays   int `validate:"min=0"`
	EvidenceRetentionHours  int `validate:"min=0"`

	StateRoot string `validate:"required"`
	// EvidenceRoot is kept separate from StateRoot so microVM evidence
	// survives DestroyLab's hardened wipe of the ephemeral state dir.
	EvidenceRoot string `validate:"required"`

	DevUnsafeAllowNoJailer bool

	RateLimitPerLabPerMinute int `validate:"min=1"`
	DedupTTLSeconds          int `validate:"min=1"`

	InternalToken string `validate:"required"`

	DatabaseURL string `validate:"required"`

	SlackWebhookURL   string
	DiscordWebhookURL string

	WatchdogOlderThanMinutes int `validate:"min=1"`
	WatchdogMaxLabs          int `validate:"min=1"`
}

var validate = validator.New()

// Load reads the OCTOLAB_-prefixed environment and validates it. A missing
// runtime selector, or any value failing its validation tag, is a fatal
// configuration error — there is no silent default for the fields the spec
// requires to have none.
func Load() (*Config, error) {
	cfg := &Config{
		Runtime: RuntimeSelectorName(getenv("OCTOLAB_RUNTIME", "")),

		PortMin: getenvInt("OCTOLAB_PORT_MIN", 30000),
		PortMax: getenvInt("OCTOLAB_PORT_MAX", 40000),

		StartupTimeoutSeconds:  getenvInt("OCTOLAB_STARTUP_TIMEOUT_SECONDS", 300),
		TeardownTimeoutSeconds: getenvInt("OCTOLAB_TEARDOWN_TIMEOUT_SECONDS", 60),

		TeardownWorkerEnabled:          getenvBool("OCTOLAB_TEARDOWN_WORKER_ENABLED", true),
		TeardownWorkerIntervalSeconds:  getenvInt("OCTOLAB_TEARDOWN_WORKER_INTERVAL_SECONDS", 5),
		TeardownWorkerBatchSize:        getenvInt("OCTOLAB_TEARDOWN_WORKER_BATCH_SIZE", 10),
		TeardownWorkerStartupTick:      getenvBool("OCTOLAB_TEARDOWN_WORKER_STARTUP_TICK", true),

		ReadinessGatingEnabled:   getenvBool("OCTOLAB_READINESS_GATING_ENABLED", true),
		ReadinessPaths:           getenvList("OCTOLAB_READINESS_PATHS", []string{"/vnc.html"}),
		ReadinessTimeoutSeconds:  getenvInt("OCTOLAB_READINESS_TIMEOUT_SECONDS", 60),
		ReadinessIntervalSeconds: getenvInt("OCTOLAB_READINESS_INTERVAL_SECONDS", 2),

		EvidenceRetentionDays:  getenvInt("OCTOLAB_EVIDENCE_RETENTION_DAYS", 7),
		EvidenceRetentionHours: getenvInt("OCTOLAB_EVIDENCE_RETENTION_HOURS", 24),

		StateRoot:    getenv("OCTOLAB_STATE_ROOT", "/var/lib/octolab/labs"),
		EvidenceRoot: getenv("OCTOLAB_EVIDENCE_ROOT", "/var/lib/octolab/evidence"),

		DevUnsafeAllowNoJailer: getenvBool("OCTOLAB_DEV_UNSAFE_ALLOW_NO_JAILER", false),

		RateLimitPerLabPerMinute: getenvInt("OCTOLAB_RATE_LIMIT_PER_LAB_PER_MINUTE", 60),
		DedupTTLSeconds:          getenvInt("OCTOLAB_DEDUP_TTL_SECONDS", 300),

		InternalToken: getenv("OCTOLAB_INTERNAL_TOKEN", ""),

		DatabaseURL: getenv("OCTOLAB_DATABASE_URL", ""),

		SlackWebhookURL:   getenv("OCTOLAB_SLACK_WEBHOOK_URL", ""),
		DiscordWebhookURL: getenv("OCTOLAB_DISCORD_WEBHOOK_URL", ""),

		WatchdogOlderThanMinutes: getenvInt("OCTOLAB_WATCHDOG_OLDER_THAN_MINUTES", 30),
		WatchdogMaxLabs:          getenvInt("OCTOLAB_WATCHDOG_MAX_LABS", 50),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
