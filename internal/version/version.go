//nolint:gochecknoglobals // version info set via ldflags
package version

// Set via -ldflags at build time:
//
//	-X github.com/admitrievsky/freeroute/internal/version.Version=v1.2.3 \
//	-X github.com/admitrievsky/freeroute/internal/version.BuildTime=2026-08-01T12:00:00Z
var (
	Version   = "dev"
	BuildTime = ""
)

func GetVersion() string { return Version }

func GetBuildTime() string { return BuildTime }
