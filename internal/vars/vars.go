// Package vars exposes build metadata injected with -ldflags "-X".
//
//	go build -ldflags "\
//	  -X github.com/woozymasta/masterlist/internal/vars.Version=v1.0.0 \
//	  -X github.com/woozymasta/masterlist/internal/vars.Commit=$(git rev-parse HEAD) \
//	  -X github.com/woozymasta/masterlist/internal/vars._revision=$(git rev-list --count HEAD) \
//	  -X github.com/woozymasta/masterlist/internal/vars._buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package vars

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Name is the product name shown in banners and the User-Agent.
const Name = "Masterlist"

// URL of the source repository.
const URL = "https://github.com/woozymasta/masterlist"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// Commit is the git SHA the binary was built from.
	Commit = "unknown"
	// Revision is the commit count at build time.
	Revision int
	// BuildTime is when the binary was built, UTC.
	BuildTime = time.Unix(0, 0).UTC()

	_revision  string
	_buildTime string
)

// BuildInfo is the JSON view of the build metadata served by the admin API.
type BuildInfo struct {
	BuildTime   time.Time `json:"build_time"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
	CommitShort string    `json:"commit_short,omitempty"`
	GoVersion   string    `json:"go_version"`
	Revision    int       `json:"revision,omitempty"`
}

func init() {
	if n, err := strconv.Atoi(_revision); err == nil {
		Revision = n
	}
	if t, err := time.Parse(time.RFC3339, _buildTime); err == nil {
		BuildTime = t.UTC()
	}
}

// Info collects the build metadata.
func Info() BuildInfo {
	return BuildInfo{
		Name:        Name,
		Version:     Version,
		Commit:      Commit,
		CommitShort: CommitShort(),
		Revision:    Revision,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
}

// CommitShort is the abbreviated commit SHA.
func CommitShort() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}

	return Commit
}

// UserAgent identifies the registry in outgoing requests.
func UserAgent() string {
	return Name + "/" + Version + " (+" + URL + ")"
}

// Print writes the build metadata to stdout, one "key: value" per line.
func Print() {
	info := Info()

	var b strings.Builder
	row := func(k string, v any) { fmt.Fprintf(&b, "%-9s %v\n", k+":", v) }
	row("name", info.Name)
	row("binary", os.Args[0])
	row("version", info.Version)
	row("commit", info.Commit)
	row("revision", info.Revision)
	row("built", info.BuildTime.Format(time.RFC3339))
	row("go", info.GoVersion)
	row("source", URL)

	fmt.Print(b.String())
}
