package version

const Name = "kbadmin"

// Version is overridden at build time via:
//
//	-ldflags "-X github.com/arencloud/kbadmin/internal/version.Version=vX.Y.Z"
var Version = "dev"
