// Package version хранит метаданные сборки, подставляемые через -ldflags.
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает только номер версии; используется в health-ответах.
func GetVersion() string { return version }

func String() string {
	return fmt.Sprintf("seckill-service version=%s commit=%s date=%s", version, commit, date)
}

// GetCommit возвращает хеш коммита сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }
