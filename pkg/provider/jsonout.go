package provider

import (
	"encoding/json"
	"strings"

	"github.com/wisbric/brandowl/internal/apperr"
)

// DecodeStrictJSON parses a model completion that was instructed to emit
// only JSON. Code fences are stripped and the outermost object located
// before giving up; anything that still fails to parse is a validation
// error against the model contract.
func DecodeStrictJSON(content string, out any) error {
	candidate := strings.TrimSpace(content)

	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	// Locate the outermost object.
	start := strings.IndexByte(candidate, '{')
	end := strings.LastIndexByte(candidate, '}')
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(candidate[start:end+1]), out); err == nil {
			return nil
		}
	}

	return apperr.E(apperr.KindValidation, "model returned invalid JSON")
}
