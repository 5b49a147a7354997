// Package antigravity implements the Google OAuth credential flows for the
// Antigravity/Cloud Code backends: the interactive PKCE login that mints a
// pool account, and the refresh exchange that keeps access secrets live.
package antigravity

// OAuth client registered for the Antigravity IDE distribution. These are
// public desktop-client credentials; PKCE provides the actual protection.
const (
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"

	AuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL    = "https://oauth2.googleapis.com/token"
	UserinfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"

	CallbackPort = 51121
	RedirectURI  = "http://localhost:51121/oauth-callback"
)

// Scopes requested at login. cclog and experimentsandconfigs are required
// by the Cloud Code backends even though they look unrelated.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

const (
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the dispatch traversal order: sandbox tiers first,
// production last.
var EndpointFallbacks = []string{EndpointDaily, EndpointAutopush, EndpointProd}

// LoadEndpoints is the project-resolution order, which prefers prod.
var LoadEndpoints = []string{EndpointProd, EndpointDaily, EndpointAutopush}

// DefaultProjectID is used when onboarding cannot resolve one.
const DefaultProjectID = "rising-fact-p41fc"
