package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"factotum/logging"
	"factotum/session"
)

// DecodeToolInput parses accumulated tool-call argument text into an input
// map. Models occasionally emit truncated or sloppy JSON, so a repair pass
// runs before giving up. Failure never raises: the returned map carries the
// error marker and the raw text verbatim, letting the loop continue
// deterministically and the model see its own output.
func DecodeToolInput(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args
	}

	if fixed, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if err := json.Unmarshal([]byte(fixed), &args); err == nil && args != nil {
			logging.Debug("repaired malformed tool arguments", "raw_len", len(raw))
			return args
		}
	}

	logging.Warn("tool arguments are not valid JSON", "raw", raw)
	return map[string]any{
		session.InputErrorKey: "tool arguments are not valid JSON",
		session.InputRawKey:   raw,
	}
}
