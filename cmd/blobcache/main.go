// Command blobcache manages a disk-backed, reference-counted blob cache and
// the payloads laid out from it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config kong.ConfigFlag `help:"Load flags from a JSON configuration file." placeholder:"FILE"`

	Folders   []FolderSpec `name:"folder" help:"Storage folder as PATH=SIZE, e.g. /var/cache/blobs=20GiB. Repeatable." env:"BLOBCACHE_FOLDERS" sep:","`
	Origin    string       `help:"Origin base URL, or a local mirror directory." env:"BLOBCACHE_ORIGIN"`
	Manifests string       `help:"Directory of payload manifests named <payload>.json. Defaults to <origin>/manifests for HTTP origins." env:"BLOBCACHE_MANIFESTS"`
	StateDir  string       `help:"Directory holding payload state." default:"./state" env:"BLOBCACHE_STATE_DIR"`

	LogLevel      string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"BLOBCACHE_LOG_LEVEL"`
	LogFormat     string `help:"Log format." enum:"text,json" default:"text" env:"BLOBCACHE_LOG_FORMAT"`
	LogFile       string `help:"Write logs to this file with rotation instead of stderr." env:"BLOBCACHE_LOG_FILE"`
	LogMaxSize    int    `help:"Rotate the log file after this many megabytes." default:"100"`
	LogMaxBackups int    `help:"Rotated log files to keep." default:"5"`

	logger *slog.Logger
}

// CLI is the command line of blobcache.
type CLI struct {
	Globals

	Status    StatusCmd    `cmd:"" help:"Print storage folder status and held payloads."`
	Reconcile ReconcileCmd `cmd:"" help:"Reconcile storage folders with their contents and persist the result."`
	Fetch     FetchCmd     `cmd:"" help:"Acquire a payload and materialize it into a directory."`
	Release   ReleaseCmd   `cmd:"" help:"Release one hold on a payload."`
	Serve     ServeCmd     `cmd:"" help:"Keep the cache open with periodic checkpoints and a metrics endpoint."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("blobcache"),
		kong.Description("Disk-backed, reference-counted blob cache."),
		kong.Configuration(kong.JSON),
		kong.UsageOnError(),
	)

	out, err := logOutput(cli.LogFile, cli.LogMaxSize, cli.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cli.LogLevel, cli.LogFormat, out, cli.LogFile == "" && isTerminal(os.Stderr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	cli.logger = logger

	err = ctx.Run(&cli.Globals)
	if closer, ok := out.(io.Closer); ok {
		_ = closer.Close()
	}
	ctx.FatalIfErrorf(err)
}

func newLogger(level, format string, out io.Writer, color bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			NoColor:    !color,
		})
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// logOutput returns stderr, or a rotating file when path is set.
func logOutput(path string, maxSize, maxBackups int) (io.Writer, error) {
	if path == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
