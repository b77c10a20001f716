package build

var CurrentCommit string

// BuildVersion is the local build version
const BuildVersion = "2.6.0"

func UserVersion() string {
	return BuildVersion + CurrentCommit
}
