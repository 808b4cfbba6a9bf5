package version

// BaseVersion is the semantic version of the archive daemon.
const BaseVersion = "0.4.0"

var GitCommit string

func String() string {
	if GitCommit == "" {
		return BaseVersion
	}
	return BaseVersion + "+git." + GitCommit
}
