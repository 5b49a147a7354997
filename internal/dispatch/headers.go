package dispatch

import (
	"net/http"

	"github.com/nghyane/antigravity-pool/internal/quota"
)

// The backends fingerprint callers by these header sets; each quota class
// expects its own client identity and metadata encoding.
var antigravityHeaders = map[string]string{
	"User-Agent":        "antigravity/1.11.5 windows/amd64",
	"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
	"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
}

var geminiCLIHeaders = map[string]string{
	"User-Agent":        "google-api-nodejs-client/9.15.1",
	"X-Goog-Api-Client": "gl-node/22.17.0",
	"Client-Metadata":   "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
}

func applyHeaders(h http.Header, perm quota.Permission, accessSecret string, streaming bool) {
	h.Set("Authorization", "Bearer "+accessSecret)
	h.Set("Content-Type", "application/json")
	if streaming {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	set := antigravityHeaders
	if perm == quota.PermissionGeminiCLI {
		set = geminiCLIHeaders
	}
	for k, v := range set {
		h.Set(k, v)
	}
}
