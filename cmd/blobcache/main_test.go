package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/origin"
	"github.com/wolfeidau/blob-cache/payload"
)

func TestFolderSpecUnmarshalText(t *testing.T) {
	var f FolderSpec
	require.NoError(t, f.UnmarshalText([]byte("/var/cache/blobs=2GiB")))
	require.Equal(t, "/var/cache/blobs", f.Path)
	require.Equal(t, int64(2<<30), f.MaximumSize)
	require.Equal(t, "/var/cache/blobs=2.0 GiB", f.String())

	require.NoError(t, f.UnmarshalText([]byte("/a=b=100")))
	require.Equal(t, "/a=b", f.Path)
	require.Equal(t, int64(100), f.MaximumSize)

	for _, bad := range []string{"", "/path", "=10", "/path=", "/path=lots"} {
		require.ErrorIs(t, f.UnmarshalText([]byte(bad)), blobcache.ErrInvalidArgument, bad)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf, false)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "folder", "/tmp")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger("debug", "text", &buf, false)
	require.NoError(t, err)
	logger.Debug("details")
	require.Contains(t, buf.String(), "details")

	_, err = newLogger("loud", "text", &buf, false)
	require.Error(t, err)
	_, err = newLogger("info", "xml", &buf, false)
	require.Error(t, err)
}

func TestNewOriginSelection(t *testing.T) {
	g := &Globals{Origin: "https://blobs.example.com"}
	src, fetcher, err := newOrigin(g)
	require.NoError(t, err)
	require.IsType(t, &origin.HTTP{}, src)
	require.NotNil(t, fetcher)

	g = &Globals{Origin: t.TempDir()}
	src, fetcher, err = newOrigin(g)
	require.NoError(t, err)
	require.IsType(t, &origin.Dir{}, src)
	require.Nil(t, fetcher)

	g = &Globals{Manifests: t.TempDir()}
	_, fetcher, err = newOrigin(g)
	require.NoError(t, err)
	require.NotNil(t, fetcher)
}

func TestFetchAndReleaseCommands(t *testing.T) {
	mirror := t.TempDir()
	manifests := t.TempDir()
	id := blobcache.NewBlobID()
	data := []byte("#!/bin/sh\necho hello\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(id.Path(mirror)), 0o755))
	require.NoError(t, os.WriteFile(id.Path(mirror), data, 0o644))

	m := payload.Manifest{ID: "tools", Entries: []payload.Entry{
		{Path: "bin/hello", BlobID: id, CompressedSize: int64(len(data)), ContentSize: int64(len(data))},
	}}
	encoded, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(manifests, "tools.json"), encoded, 0o644))

	logger, err := newLogger("error", "text", &bytes.Buffer{}, false)
	require.NoError(t, err)
	cacheDir := t.TempDir()
	g := &Globals{
		Folders:   []FolderSpec{{Path: cacheDir, MaximumSize: 1 << 20}},
		Origin:    mirror,
		Manifests: manifests,
		StateDir:  t.TempDir(),
		logger:    logger,
	}

	out := t.TempDir()
	require.NoError(t, (&FetchCmd{Payload: "tools", Dir: out}).Run(g))
	got, err := os.ReadFile(filepath.Join(out, "bin", "hello"))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.FileExists(t, id.Path(cacheDir))

	require.NoError(t, ReconcileCmd{}.Run(g))
	require.NoError(t, (&ReleaseCmd{Payload: "tools"}).Run(g))
	require.ErrorIs(t, (&ReleaseCmd{Payload: "tools"}).Run(g), payload.ErrNotHeld)

	// The blob stays cached, now unreferenced.
	require.FileExists(t, id.Path(cacheDir))
}

func TestFetchCommandRequiresFolders(t *testing.T) {
	logger, err := newLogger("error", "text", &bytes.Buffer{}, false)
	require.NoError(t, err)
	g := &Globals{StateDir: t.TempDir(), logger: logger}
	err = (&FetchCmd{Payload: "tools", Dir: t.TempDir()}).Run(g)
	require.ErrorIs(t, err, blobcache.ErrInvalidArgument)
}
