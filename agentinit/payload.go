// Package agentinit parses the key=value payload an agent receives at
// attach time, identifying the controller process it should map shared
// memory against.
package agentinit

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/adatrace/tracer-core/tracererr"
)

const (
	EnvHostPID   = "ADA_SHM_HOST_PID"
	EnvSessionID = "ADA_SHM_SESSION_ID"
)

// Identity is the resolved (host pid, session id) pair an agent uses to
// derive shared-memory segment names.
type Identity struct {
	HostPID   int
	SessionID uint64
}

// splitFields breaks a payload on any of ';', ',', whitespace, or newline.
func splitFields(payload string) []string {
	return strings.FieldsFunc(payload, func(r rune) bool {
		switch r {
		case ';', ',', '\n', '\r', '\t', ' ':
			return true
		default:
			return false
		}
	})
}

// Parse decodes a key=value payload blob. Recognized keys are
// host_pid/pid (decimal) and session_id/sid (decimal, 0x-prefixed hex, or
// bare hex auto-detected). Unrecognized keys are ignored. Any recognized
// key missing from the payload falls back to its environment variable;
// if neither source supplies host_pid or session_id, Parse returns a
// Parse error.
func Parse(payload string) (Identity, error) {
	var id Identity
	var havePID, haveSession bool

	for _, field := range splitFields(payload) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "host_pid", "pid":
			pid, err := strconv.Atoi(value)
			if err != nil {
				return Identity{}, tracererr.Wrap(tracererr.Parse, "agentinit: host_pid", err)
			}
			id.HostPID = pid
			havePID = true
		case "session_id", "sid":
			sid, err := parseSessionID(value)
			if err != nil {
				return Identity{}, err
			}
			id.SessionID = sid
			haveSession = true
		}
	}

	if !havePID {
		if raw := os.Getenv(EnvHostPID); raw != "" {
			pid, err := strconv.Atoi(raw)
			if err != nil {
				return Identity{}, tracererr.Wrap(tracererr.Parse, "agentinit: "+EnvHostPID, err)
			}
			id.HostPID = pid
			havePID = true
		}
	}
	if !haveSession {
		if raw := os.Getenv(EnvSessionID); raw != "" {
			sid, err := parseSessionID(raw)
			if err != nil {
				return Identity{}, err
			}
			id.SessionID = sid
			haveSession = true
		}
	}

	if !havePID || !haveSession {
		return Identity{}, tracererr.New(tracererr.Parse, "agentinit: payload missing host_pid/session_id and no env fallback")
	}
	return id, nil
}

// Encode renders id as the semicolon-delimited payload Parse expects, for
// a controller to hand to an agent at attach time (environment variable,
// injected argv, or IPC message).
func (id Identity) Encode() string {
	return fmt.Sprintf("host_pid=%d;session_id=0x%016x", id.HostPID, id.SessionID)
}

// parseSessionID accepts decimal, "0x"-prefixed hex, and bare hex (any
// value containing a-f/A-F digit) session id values.
func parseSessionID(value string) (uint64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		sid, err := strconv.ParseUint(value[2:], 16, 64)
		if err != nil {
			return 0, tracererr.Wrap(tracererr.Parse, "agentinit: session_id hex", err)
		}
		return sid, nil
	}
	if sid, err := strconv.ParseUint(value, 10, 64); err == nil {
		return sid, nil
	}
	sid, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, tracererr.Wrap(tracererr.Parse, "agentinit: session_id", err)
	}
	return sid, nil
}
