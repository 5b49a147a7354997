// Package quota maps requested model identifiers to the upstream quota
// class, endpoint family, and prompt-augmentation requirements they imply.
// Routing is a pure function of the model string; nothing here touches
// account or network state.
package quota

import (
	"fmt"
	"regexp"
	"strings"
)

// Permission identifies which upstream quota a request draws from. It is
// derived from the model, never accepted from callers directly.
type Permission string

const (
	PermissionAntigravity Permission = "antigravity"
	PermissionGeminiCLI   Permission = "gemini-cli"
)

// Family identifies the endpoint fallback list the dispatcher should use.
type Family string

const (
	FamilyAntigravity Family = "antigravity"
	FamilyGeminiCLI   Family = "gemini-cli"
)

// Decision is the immutable routing result threaded through a dispatch.
type Decision struct {
	// Permission is the quota class the request draws from.
	Permission Permission

	// Family selects the endpoint fallback list.
	Family Family

	// Thinking reports whether the backend variant requires the fixed
	// identity system instructions to be injected.
	Thinking bool

	// EffectiveModel is the model name actually sent upstream, after
	// suffix stripping and tier resolution.
	EffectiveModel string

	// ThinkingLevel is the resolved reasoning tier ("" when not a
	// tiered model). Sent via generation config for models that take it
	// as a parameter rather than a name suffix.
	ThinkingLevel string
}

// UnsupportedModelError is returned for models absent from the routing
// table. It is never retried; the caller must change the request.
type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Model)
}

type tableEntry struct {
	permission Permission
	family     Family
	thinking   bool

	// tierSuffix: the upstream wants the reasoning tier appended to the
	// model name (gemini-3-pro-low) instead of passed as a parameter.
	tierSuffix bool
}

// modelTable is the closed set of recognized base models. Suffix patterns
// (:antigravity, -thinking, reasoning tiers) are normalized away before
// lookup, so e.g. "gemini-3-pro-high" and "gemini-2.5-flash:antigravity"
// both resolve.
var modelTable = map[string]tableEntry{
	"gemini-3-pro":          {permission: PermissionAntigravity, family: FamilyAntigravity, thinking: true, tierSuffix: true},
	"gemini-3-flash":        {permission: PermissionAntigravity, family: FamilyAntigravity, thinking: true},
	"gemini-3-pro-preview":  {permission: PermissionGeminiCLI, family: FamilyGeminiCLI, thinking: true, tierSuffix: true},
	"gemini-2.5-pro":        {permission: PermissionGeminiCLI, family: FamilyGeminiCLI},
	"gemini-2.5-flash":      {permission: PermissionGeminiCLI, family: FamilyGeminiCLI},
	"gemini-2.5-flash-lite": {permission: PermissionGeminiCLI, family: FamilyGeminiCLI},
	"claude-sonnet-4-5":     {permission: PermissionAntigravity, family: FamilyAntigravity, thinking: true},
	"claude-haiku-4-5":      {permission: PermissionAntigravity, family: FamilyAntigravity},
}

const defaultTier = "low"

var (
	tierSuffixRe        = regexp.MustCompile(`(?i)-(minimal|low|medium|high)$`)
	antigravitySuffixRe = regexp.MustCompile(`(?i):antigravity$`)
	thinkingSuffixRe    = regexp.MustCompile(`(?i)-thinking$`)
)

// Route resolves a requested model identifier into a Decision.
func Route(model string) (Decision, error) {
	name := strings.TrimSpace(model)
	if name == "" {
		return Decision{}, &UnsupportedModelError{Model: model}
	}

	forceAntigravity := antigravitySuffixRe.MatchString(name)
	name = antigravitySuffixRe.ReplaceAllString(name, "")

	forceThinking := thinkingSuffixRe.MatchString(name)
	name = thinkingSuffixRe.ReplaceAllString(name, "")

	tier := ""
	if m := tierSuffixRe.FindStringSubmatch(name); m != nil {
		tier = strings.ToLower(m[1])
		name = tierSuffixRe.ReplaceAllString(name, "")
	}

	entry, ok := modelTable[strings.ToLower(name)]
	if !ok {
		return Decision{}, &UnsupportedModelError{Model: model}
	}

	d := Decision{
		Permission:     entry.permission,
		Family:         entry.family,
		Thinking:       entry.thinking || forceThinking,
		EffectiveModel: strings.ToLower(name),
		ThinkingLevel:  tier,
	}

	if forceAntigravity {
		d.Permission = PermissionAntigravity
		d.Family = FamilyAntigravity
	}

	if entry.thinking && d.ThinkingLevel == "" {
		d.ThinkingLevel = defaultTier
	}
	if entry.tierSuffix && entry.thinking {
		d.EffectiveModel = d.EffectiveModel + "-" + d.ThinkingLevel
	}

	return d, nil
}

// QuotaFallback returns the decision re-pointed at the other quota class.
// Gemini-family models are servable under both classes, so a request that
// exhausted one quota can be retried on the other before switching
// accounts. ok is false for models bound to a single class.
func (d Decision) QuotaFallback() (Decision, bool) {
	if !strings.HasPrefix(d.EffectiveModel, "gemini") {
		return d, false
	}
	out := d
	if d.Permission == PermissionAntigravity {
		out.Permission = PermissionGeminiCLI
		out.Family = FamilyGeminiCLI
	} else {
		out.Permission = PermissionAntigravity
		out.Family = FamilyAntigravity
	}
	return out, true
}

// Permissions lists every quota class, in stable order. Used by callers
// that track per-permission state.
func Permissions() []Permission {
	return []Permission{PermissionAntigravity, PermissionGeminiCLI}
}
