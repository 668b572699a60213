package catalog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name string

	mu       sync.Mutex
	calls    int
	failures int
	err      error
	datasets []Dataset
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) List(context.Context) ([]Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("transient")
	}
	return append([]Dataset(nil), s.datasets...), nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCatalogMergesAndSorts(t *testing.T) {
	a := &stubSource{name: "azure", datasets: []Dataset{
		{Name: "wavelet.vti", Container: "samples"},
		{Name: "can.ex2", Container: "samples"},
	}}
	b := &stubSource{name: "s3", datasets: []Dataset{
		{Name: "mesh.vtu", Container: "archive"},
	}}
	c := New([]Source{a, b})

	got, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Dataset{
		{Name: "mesh.vtu", Container: "archive", Source: "s3"},
		{Name: "can.ex2", Container: "samples", Source: "azure"},
		{Name: "wavelet.vti", Container: "samples", Source: "azure"},
	}, got)
	assert.Equal(t, []string{"azure", "s3"}, c.Sources())
}

func TestCatalogCachesWithinTTL(t *testing.T) {
	src := &stubSource{name: "azure", datasets: []Dataset{{Name: "a", Container: "c"}}}
	c := New([]Source{src}, WithTTL(time.Minute))

	for i := 0; i < 3; i++ {
		_, err := c.List(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.callCount())

	c.Invalidate()
	_, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.callCount())
}

func TestCatalogRetriesTransientFailures(t *testing.T) {
	src := &stubSource{name: "azure", failures: 2, datasets: []Dataset{{Name: "a", Container: "c"}}}
	c := New([]Source{src}, WithRetry(3, time.Millisecond))

	got, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 3, src.callCount())
}

func TestCatalogPartialFailure(t *testing.T) {
	good := &stubSource{name: "azure", datasets: []Dataset{{Name: "a", Container: "c"}}}
	bad := &stubSource{name: "sftp", err: errors.New("connection refused")}
	c := New([]Source{good, bad}, WithRetry(2, time.Millisecond))

	got, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Dataset{{Name: "a", Container: "c", Source: "azure"}}, got)
	assert.Equal(t, 2, bad.callCount())

	// partial listings are not cached
	_, err = c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, good.callCount())
}

func TestCatalogAllSourcesFail(t *testing.T) {
	c := New([]Source{
		&stubSource{name: "azure", err: errors.New("forbidden")},
		&stubSource{name: "s3", err: errors.New("no credentials")},
	}, WithRetry(1, 0))

	_, err := c.List(context.Background())
	require.Error(t, err)
	for _, want := range []string{"azure", "forbidden", "s3", "no credentials"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestCatalogWithoutSources(t *testing.T) {
	_, err := New(nil).List(context.Background())
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestSplitKey(t *testing.T) {
	tests := map[string]struct {
		root, key string
		want      Dataset
		ok        bool
	}{
		"no root":         {key: "samples/can.ex2", want: Dataset{Container: "samples", Name: "can.ex2"}, ok: true},
		"nested name":     {key: "/samples/run1/out.vtu", want: Dataset{Container: "samples", Name: "run1/out.vtu"}, ok: true},
		"under root":      {root: "/data/", key: "/data/samples/can.ex2", want: Dataset{Container: "samples", Name: "can.ex2"}, ok: true},
		"outside root":    {root: "/data", key: "/other/samples/can.ex2"},
		"file at root":    {root: "/data", key: "/data/can.ex2"},
		"dot root":        {root: ".", key: "samples/a.vti", want: Dataset{Container: "samples", Name: "a.vti"}, ok: true},
		"container alone": {key: "samples/"},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			got, ok := splitKey(tc.root, tc.key)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

type fakeDir struct {
	name string
	dir  bool
}

func (f fakeDir) Name() string { return f.name }
func (f fakeDir) Size() int64  { return 0 }
func (f fakeDir) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeDir) ModTime() time.Time { return time.Time{} }
func (f fakeDir) IsDir() bool        { return f.dir }
func (f fakeDir) Sys() any           { return nil }

type fakeFTP map[string][]os.FileInfo

func (f fakeFTP) ReadDir(p string) ([]os.FileInfo, error) {
	entries, ok := f[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return entries, nil
}

func TestWalkFTP(t *testing.T) {
	tree := fakeFTP{
		"/data":              {fakeDir{name: "samples", dir: true}, fakeDir{name: "README"}},
		"/data/samples":      {fakeDir{name: "can.ex2"}, fakeDir{name: "runs", dir: true}},
		"/data/samples/runs": {fakeDir{name: "out.vtu"}},
	}
	var seen []string
	err := walkFTP(context.Background(), tree, "/data", func(p string) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/samples/can.ex2", "/data/samples/runs/out.vtu", "/data/README"}, seen)

	err = walkFTP(context.Background(), tree, "/missing", func(string) {})
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
