// Command tiercache inspects and manipulates a cache directory.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/tiercache"
)

type appEnv struct {
	cache *tiercache.Cache
}

type setCmd struct {
	Key   string `arg:"" help:"Entry key."`
	Value string `arg:"" optional:"" help:"Value literal; reads stdin when omitted."`
}

func (s *setCmd) Run(env *appEnv) error {
	data := []byte(s.Value)
	if s.Value == "" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
	return env.cache.Set(s.Key, data)
}

type getCmd struct {
	Key string `arg:"" help:"Entry key."`
}

func (g *getCmd) Run(env *appEnv) error {
	v, ok := env.cache.Get(g.Key)
	if !ok {
		return fmt.Errorf("key %q not found", g.Key)
	}
	_, err := os.Stdout.Write(v)
	return err
}

type rmCmd struct {
	Key string `arg:"" optional:"" help:"Entry key; removes everything when omitted."`
	All bool   `help:"Remove every entry."`
}

func (r *rmCmd) Run(env *appEnv) error {
	if r.All || r.Key == "" {
		return env.cache.RemoveAll()
	}
	return env.cache.Remove(r.Key)
}

type statsCmd struct{}

func (s *statsCmd) Run(env *appEnv) error {
	d := env.cache.Disk()
	fmt.Printf("path:    %s\n", env.cache.Path())
	fmt.Printf("entries: %d\n", d.Len())
	fmt.Printf("bytes:   %d\n", d.Size())
	return nil
}

type trimCmd struct {
	MaxBytes int64         `help:"Evict oldest entries until at most this many payload bytes remain."`
	MaxCount int64         `help:"Evict oldest entries until at most this many entries remain."`
	MaxAge   time.Duration `help:"Evict entries last accessed longer ago than this."`
}

func (t *trimCmd) Run(env *appEnv) error {
	d := env.cache.Disk()
	if t.MaxBytes > 0 {
		d.TrimToCost(t.MaxBytes)
	}
	if t.MaxCount > 0 {
		d.TrimToCount(t.MaxCount)
	}
	if t.MaxAge > 0 {
		d.TrimOlderThan(t.MaxAge)
	}
	return nil
}

var cli struct {
	Dir   string `help:"Cache directory." type:"path" default:"./tiercache"`
	Debug bool   `help:"Enable debug logging."`

	Set   setCmd   `cmd:"" help:"Store a value."`
	Get   getCmd   `cmd:"" help:"Print a value."`
	Rm    rmCmd    `cmd:"" help:"Remove one key or everything."`
	Stats statsCmd `cmd:"" help:"Show entry count and total size."`
	Trim  trimCmd  `cmd:"" help:"Trim the on-disk tier."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("tiercache"),
		kong.Description("Two-tier key-value cache tool."),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	cache, err := tiercache.OpenPath(cli.Dir, tiercache.WithLogger(logger))
	kctx.FatalIfErrorf(err)
	defer func() { _ = cache.Close() }()

	kctx.FatalIfErrorf(kctx.Run(&appEnv{cache: cache}))
}
