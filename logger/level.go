package logger

import (
	"fmt"
	"strconv"
	"strings"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = []string{
	"DEBUG",
	"INFO",
	"WARN",
	"ERROR",
	"FATAL",
}

// String returns the string representation of a logging level.
func (p Level) String() string {
	if p < DEBUG || p > FATAL {
		return fmt.Sprintf("Level(%d)", int(p))
	}
	return levelNames[p]
}

// ParseLevel resolves a level given either by name (DEBUG, INFO, WARN,
// WARNING, ERROR, FATAL, CRITICAL; case-insensitive) or by the numeric
// values 10, 20, 30, 40 and 50. On unknown input it returns INFO along
// with an error so callers can fall back with a notice.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL", "CRITICAL":
		return FATAL, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		switch n {
		case 10:
			return DEBUG, nil
		case 20:
			return INFO, nil
		case 30:
			return WARN, nil
		case 40:
			return ERROR, nil
		case 50:
			return FATAL, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}
