package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/stratasec/aegis/internal/types"
)

// ErrAgentParse is returned when no parse strategy yields a usable verdict.
var ErrAgentParse = errors.New("unparseable agent response")

// ErrAgentFailed is returned when the agent reports an explicit error status.
// Never retried.
var ErrAgentFailed = errors.New("agent reported failure")

// Pre-compiled patterns. Compiling per parse is measurably slower.
var (
	codeFenceRegex  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	jsonObjectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// responseEnvelope is the superset of shapes the agents respond with. Which
// fields are populated depends on the agent and its runtime.
type responseEnvelope struct {
	Status string          `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// conversationalResult is the chat-shaped result some agents wrap their
// verdict in.
type conversationalResult struct {
	Role    string `json:"role,omitempty"`
	Content []struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"content,omitempty"`
	Response string `json:"response,omitempty"`
}

// ParseVerdict extracts a verdict from an agent response body, trying each
// response shape in turn:
//
//  1. body is the verdict itself
//  2. body.result is an assistant message whose content text embeds the
//     verdict, possibly inside a code fence
//  3. body.result.response is a string embedding the verdict
//  4. body.result is the verdict or another envelope; the cascade repeats
//     on it
//
// An explicit status=error response short-circuits to ErrAgentFailed, at any
// nesting depth.
func ParseVerdict(body []byte) (*types.Verdict, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, fmt.Errorf("empty response body: %w", ErrAgentParse)
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Status == "error" {
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, env.Error)
	}

	// Shape 1: the body is the verdict.
	if v, ok := tryVerdict(body); ok {
		return v, nil
	}

	if len(env.Result) == 0 {
		return nil, fmt.Errorf("no verdict fields and no result object: %w", ErrAgentParse)
	}

	// Shapes 2 and 3: conversational wrappers around embedded JSON text.
	var conv conversationalResult
	if err := json.Unmarshal(env.Result, &conv); err == nil {
		if conv.Role == "assistant" {
			for _, block := range conv.Content {
				if block.Text == "" {
					continue
				}
				if v, ok := tryVerdict([]byte(extractJSON(block.Text))); ok {
					return v, nil
				}
			}
		}
		if conv.Response != "" {
			if v, ok := tryVerdict([]byte(extractJSON(conv.Response))); ok {
				return v, nil
			}
		}
	}

	// Shape 4: the result object is the verdict or a nested envelope.
	// Recursion terminates because each level consumes one "result" key.
	if v, err := ParseVerdict(env.Result); err == nil {
		return v, nil
	} else if errors.Is(err, ErrAgentFailed) {
		return nil, err
	}

	return nil, fmt.Errorf("all parse strategies failed: %w", ErrAgentParse)
}

// ParseCampaigns extracts the monitor agent's campaign list. The monitor
// responds with the same envelope shapes as the analyzers, but the payload is
// {"campaigns": [...]} or a bare array.
func ParseCampaigns(body []byte) ([]types.Campaign, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, fmt.Errorf("empty response body: %w", ErrAgentParse)
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Status == "error" {
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, env.Error)
	}

	if campaigns, ok := tryCampaigns(body); ok {
		return campaigns, nil
	}

	if len(env.Result) > 0 {
		var conv conversationalResult
		if err := json.Unmarshal(env.Result, &conv); err == nil {
			if conv.Role == "assistant" {
				for _, block := range conv.Content {
					if block.Text == "" {
						continue
					}
					if campaigns, ok := tryCampaigns([]byte(extractJSON(block.Text))); ok {
						return campaigns, nil
					}
				}
			}
			if conv.Response != "" {
				if campaigns, ok := tryCampaigns([]byte(extractJSON(conv.Response))); ok {
					return campaigns, nil
				}
			}
		}
		if campaigns, err := ParseCampaigns(env.Result); err == nil {
			return campaigns, nil
		} else if errors.Is(err, ErrAgentFailed) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("no campaign list found: %w", ErrAgentParse)
}

// tryVerdict attempts a strict verdict decode. Presence of security_analysis
// distinguishes a verdict from an envelope that merely decoded cleanly.
func tryVerdict(data []byte) (*types.Verdict, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var v types.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	if v.Analysis == "" {
		return nil, false
	}
	if err := v.Validate(); err != nil {
		return nil, false
	}
	return &v, true
}

func tryCampaigns(data []byte) ([]types.Campaign, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var wrapped struct {
		Campaigns []types.Campaign `json:"campaigns"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Campaigns != nil {
		return wrapped.Campaigns, true
	}
	var bare []types.Campaign
	if err := json.Unmarshal(data, &bare); err == nil && bare != nil {
		return bare, true
	}
	return nil, false
}

// extractJSON pulls the JSON object out of conversational text: strip code
// fences, then take the widest {...} span.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)

	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		trimmed = strings.TrimSpace(m[1])
	}
	if m := jsonObjectRegex.FindString(trimmed); m != "" {
		return m
	}
	return trimmed
}
