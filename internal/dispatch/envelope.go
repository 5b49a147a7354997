package dispatch

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/nghyane/antigravity-pool/internal/json"
	"github.com/nghyane/antigravity-pool/internal/quota"
)

// antigravityIdentity is the fixed identity block the Antigravity backends
// require as the leading system instruction. Requests on the antigravity
// quota without it are rejected or degraded.
const antigravityIdentity = `<identity>
You are Antigravity, a powerful agentic AI coding assistant designed by the Google DeepMind team working on Advanced Agentic Coding.
You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.
The USER will send you requests, which you must always prioritize addressing. Along with each USER request, we will attach additional metadata about their current state, such as what files they have open and where their cursor is.
This information may or may not be relevant to the coding task, it is up for you to decide.
</identity>

<tool_calling>
Call tools as you normally would. The following list provides additional guidance to help you avoid errors:
  - **Absolute paths only**. When using tools that accept file path arguments, ALWAYS use the absolute file path.
</tool_calling>

<communication_style>
- **Formatting**. Format your responses in github-style markdown to make your responses easier for the USER to parse.
- **Proactiveness**. As an agent, you are allowed to be proactive, but only in the course of completing the user's task.
- **Helpfulness**. Respond like a helpful software engineer who is explaining your work to a friendly collaborator on the project.
- **Ask for clarification**. If you are unsure about the USER's intent, always ask for clarification rather than making assumptions.
</communication_style>`

// Request is the caller-facing generation input, already in the upstream
// contents schema. Raw JSON is passed through untouched so the pool stays
// agnostic to schema evolution.
type Request struct {
	// Contents is the Gemini-format conversation array. Required.
	Contents json.RawMessage
	// SystemInstruction is the caller's own system prompt, if any.
	SystemInstruction string
	// GenerationConfig is an optional generationConfig object.
	GenerationConfig json.RawMessage
}

type envelope struct {
	Project     string          `json:"project"`
	Model       string          `json:"model"`
	Request     json.RawMessage `json:"request"`
	RequestType string          `json:"requestType"`
	UserAgent   string          `json:"userAgent"`
	RequestID   string          `json:"requestId"`
}

// buildPayload wraps the caller request in the Cloud Code agent envelope,
// applying the routing decision's model resolution, thinking config, and
// identity injection.
func buildPayload(decision quota.Decision, req Request, projectID string) ([]byte, error) {
	contents := req.Contents
	if len(contents) == 0 {
		contents = []byte(`[]`)
	}
	inner := []byte(`{}`)
	inner, err := sjson.SetRawBytes(inner, "contents", contents)
	if err != nil {
		return nil, err
	}

	genCfg := req.GenerationConfig
	if decision.ThinkingLevel != "" && strings.Contains(decision.EffectiveModel, "gemini-3") {
		if len(genCfg) == 0 {
			genCfg = []byte(`{}`)
		}
		if genCfg, err = sjson.SetBytes(genCfg, "thinkingConfig.includeThoughts", true); err != nil {
			return nil, err
		}
		if genCfg, err = sjson.SetBytes(genCfg, "thinkingConfig.thinkingLevel", decision.ThinkingLevel); err != nil {
			return nil, err
		}
	}
	if len(genCfg) > 0 {
		if inner, err = sjson.SetRawBytes(inner, "generationConfig", genCfg); err != nil {
			return nil, err
		}
	}

	switch {
	case decision.Permission == quota.PermissionAntigravity:
		instruction := antigravityIdentity
		if req.SystemInstruction != "" {
			instruction += "\n\n" + req.SystemInstruction
		}
		// role "user" is what the backend expects here, not "system".
		if inner, err = sjson.SetBytes(inner, "systemInstruction.role", "user"); err != nil {
			return nil, err
		}
		if inner, err = sjson.SetBytes(inner, "systemInstruction.parts.0.text", instruction); err != nil {
			return nil, err
		}
	case req.SystemInstruction != "":
		if inner, err = sjson.SetBytes(inner, "systemInstruction.parts.0.text", req.SystemInstruction); err != nil {
			return nil, err
		}
	}

	return json.Marshal(envelope{
		Project:     projectID,
		Model:       decision.EffectiveModel,
		Request:     inner,
		RequestType: "agent",
		UserAgent:   "antigravity",
		RequestID:   "agent-" + uuid.NewString(),
	})
}
