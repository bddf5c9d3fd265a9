package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	s := NewJSONStorage(filepath.Join(t.TempDir(), "status"))

	snapshot, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, snapshot.Proxies)
	require.Empty(t, snapshot.FailedProxies)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := NewJSONStorage(dir)

	now := time.Now().Unix()
	in := &model.PoolSnapshot{
		Proxies: []model.Proxy{
			{Scheme: "http", Host: "1.2.3.4", Port: 8080},
			{Scheme: "socks5", Host: "5.6.7.8", Port: 1080, Username: "u", Password: "p"},
		},
		UsedProxies: map[string]model.UsageEntry{
			"1.2.3.4:8080": {Count: 12, Success: 9, LastUsed: now},
		},
		FailedProxies: map[string]int{"9.9.9.9:3128": 2},
		LastUpdate:    now,
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, in.Proxies, out.Proxies)
	require.Equal(t, in.UsedProxies, out.UsedProxies)
	require.Equal(t, in.FailedProxies, out.FailedProxies)
	require.Equal(t, now, out.LastUpdate)
}

func TestSaveCreatesStatusDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "status")
	s := NewJSONStorage(dir)

	require.NoError(t, s.Save(model.NewPoolSnapshot()))
	_, err := os.Stat(filepath.Join(dir, "proxy_pool.json"))
	require.NoError(t, err)
}

func TestLoadCorruptFileIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy_pool.json"), []byte("{not json"), 0644))

	s := NewJSONStorage(dir)
	_, err := s.Load()
	require.Error(t, err)
}
