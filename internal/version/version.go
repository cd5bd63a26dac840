package version

// Version is the current version of the registry
const Version = "0.1.0"

// BuildTime is set during build via -ldflags
var BuildTime string

// GitCommit is set during build via -ldflags
var GitCommit string

// String formats the version with build details when they are known
func String() string {
	s := Version
	if GitCommit != "" {
		s += " (" + GitCommit + ")"
	}
	if BuildTime != "" {
		s += " built " + BuildTime
	}
	return s
}
