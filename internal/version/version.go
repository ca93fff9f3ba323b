package version

// Version is overridden at build time with -ldflags "-X sdhost/internal/version.Version=...".
var Version = "0.1.0"

// UserAgent is sent with every outgoing HTTP request.
func UserAgent() string {
	return "sdhost/" + Version
}
