package zarr

import "strconv"

const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0

	// Version is the current version of this library.
	Version = "1.0.0"

	// ZarrFormat is the storage specification version written to .zarray.
	ZarrFormat = 2
)

// VersionString assembles the version from its components.
func VersionString() string {
	return strconv.Itoa(VersionMajor) + "." + strconv.Itoa(VersionMinor) + "." + strconv.Itoa(VersionPatch)
}
