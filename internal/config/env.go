package config

import "os"

// Environment variables overriding the default service connection strings.
const (
	EnvCoordinator   = "OTTD_COORDINATOR_CS"
	EnvStun          = "OTTD_STUN_CS"
	EnvContentServer = "OTTD_CONTENT_SERVER_CS"
	EnvContentMirror = "OTTD_CONTENT_MIRROR_URI"
	EnvSurvey        = "OTTD_SURVEY_URI"
)

// Production defaults used when the environment does not override them.
const (
	DefaultCoordinatorCS   = "coordinator.openttd.org"
	DefaultStunCS          = "stun.openttd.org"
	DefaultContentServerCS = "content.openttd.org"
	DefaultContentMirror   = "https://binaries.openttd.org/bananas"
	DefaultSurveyURI       = "https://survey-participate.openttd.org"
)

// ConnectionStrings are the endpoints of the online services.
type ConnectionStrings struct {
	Coordinator   string
	Stun          string
	ContentServer string
	ContentMirror string
	Survey        string
}

// LoadConnectionStrings reads the service endpoints from the process environment.
func LoadConnectionStrings() ConnectionStrings {
	return ConnectionStringsFrom(os.Getenv)
}

// ConnectionStringsFrom resolves endpoints with a custom lookup; empty values fall back to defaults.
func ConnectionStringsFrom(getenv func(string) string) ConnectionStrings {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	return ConnectionStrings{
		Coordinator:   get(EnvCoordinator, DefaultCoordinatorCS),
		Stun:          get(EnvStun, DefaultStunCS),
		ContentServer: get(EnvContentServer, DefaultContentServerCS),
		ContentMirror: get(EnvContentMirror, DefaultContentMirror),
		Survey:        get(EnvSurvey, DefaultSurveyURI),
	}
}
