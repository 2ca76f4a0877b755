// Package version хранит сведения о сборке. Значения задаются через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=1.2.0"
//
// Без ldflags коммит берётся из метаданных VCS, которые go build встраивает сам.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build описывает собранный бинарник.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
	Modified  bool
}

var (
	currentOnce sync.Once
	current     Build
)

// Current возвращает сведения о текущей сборке.
func Current() Build {
	currentOnce.Do(func() {
		current = resolve(version, commit, date, debug.ReadBuildInfo)
	})
	return current
}

func resolve(v, c, d string, read func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d, GoVersion: runtime.Version()}
	if info, ok := read(); ok && info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// ShortCommit — первые 7 символов коммита.
func (b Build) ShortCommit() string {
	if len(b.Commit) > 7 {
		return b.Commit[:7]
	}
	return b.Commit
}

func (b Build) String() string {
	s := fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.ShortCommit(), b.Date, b.GoVersion)
	if b.Modified {
		s += " dirty"
	}
	return s
}

// UserAgent — значение User-Agent для исходящих запросов к шлюзам и перевозчику.
func UserAgent() string {
	b := Current()
	return fmt.Sprintf("storefront-orders/%s (+%s)", b.Version, b.ShortCommit())
}
