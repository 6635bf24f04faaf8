package worker

import (
	"os"
	"strconv"
	"time"

	"github.com/datastone-sprite/sprite-worker/logger"
)

// Environment variables understood by the worker runtime.
const (
	EnvAgentURL          = "EASE_AGENT_URL"
	EnvHeartbeatInterval = "EASE_HEARTBEAT_INTERVAL"
	EnvLogLevel          = "EASE_LOG_LEVEL"
	EnvTestMode          = "EASE_TEST_MODE"
	EnvTestPort          = "EASE_TEST_PORT"
	EnvDebug             = "EASE_DEBUG"
	EnvStatsdHost        = "EASE_STATSD_HOST"
)

const (
	defaultAgentURL          = "http://localhost:8087"
	defaultHeartbeatInterval = 5 * time.Second
	defaultTestPort          = 8080
)

// Settings are the environment-resolved runtime options.
type Settings struct {
	// AgentURL is the base URL of the agent sidecar.
	AgentURL string

	// HeartbeatInterval is the delay between in-flight reports to the agent.
	HeartbeatInterval time.Duration

	// TestMode serves the handler over a local HTTP endpoint instead of
	// polling the agent.
	TestMode bool

	// TestPort is the listen port used in test mode.
	TestPort int

	// DebugHTTP dumps agent API requests and responses to the debug log.
	DebugHTTP bool

	// StatsdHost enables statsd metrics when non-empty.
	StatsdHost string
}

// SettingsFromEnv resolves Settings, warning about unusable values and
// falling back to defaults rather than failing.
func SettingsFromEnv(l logger.Logger) Settings {
	s := Settings{
		AgentURL:          defaultAgentURL,
		HeartbeatInterval: defaultHeartbeatInterval,
		TestPort:          defaultTestPort,
	}

	if v := os.Getenv(EnvAgentURL); v != "" {
		s.AgentURL = v
	}

	if v := os.Getenv(EnvHeartbeatInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			l.Warn("invalid %s %q, using default %v", EnvHeartbeatInterval, v, defaultHeartbeatInterval)
		} else {
			s.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv(EnvTestPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			l.Warn("invalid %s %q, using default %d", EnvTestPort, v, defaultTestPort)
		} else {
			s.TestPort = n
		}
	}

	s.TestMode = Truthy(os.Getenv(EnvTestMode))
	s.DebugHTTP = Truthy(os.Getenv(EnvDebug))
	s.StatsdHost = os.Getenv(EnvStatsdHost)

	return s
}

// Truthy reports whether a flag-style environment value is set. Only the
// values True, true, 1, yes and y count.
func Truthy(v string) bool {
	switch v {
	case "True", "true", "1", "yes", "y":
		return true
	}
	return false
}
