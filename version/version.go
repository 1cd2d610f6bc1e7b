package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built software's version.
	Version = HCSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// HCSemVer is the semantic version of the node software.
	// Must be a string because release scripts read this file.
	HCSemVer = "0.3.0"
)
