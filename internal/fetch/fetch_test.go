package fetch_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/airshed-lv/bsrun/internal/fetch"
)

func sha256hex(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func newTestStore(t *testing.T) (*fetch.Store, *httptest.Server) {
	t.Helper()

	fires := []byte(`{"fires": [{"id": "fire-1"}]}`)
	var met bytes.Buffer
	zw, err := zstd.NewWriter(&met)
	require.NoError(t, err)
	_, err = zw.Write([]byte("met-arl-bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/fires.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(fires)
	})
	mux.HandleFunc("/met.arl.zst", func(w http.ResponseWriter, r *http.Request) {
		w.Write(met.Bytes())
	})
	mux.HandleFunc("/slow.bin", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(10 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := fetch.New(t.TempDir(), t.TempDir(), fetch.NewDownloadFunc("us-west-2"))
	require.NoError(t, err)
	return store, srv
}

func TestScheduleAndAwait(t *testing.T) {
	store, srv := newTestStore(t)
	store.Start(context.Background())

	fires := []byte(`{"fires": [{"id": "fire-1"}]}`)
	key := sha256hex(fires)

	require.NoError(t, store.Schedule(key, srv.URL+"/fires.json"))
	// scheduling the same key twice is a no-op
	require.NoError(t, store.Schedule(key, srv.URL+"/fires.json"))

	path, err := store.Await(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, store.Path(key), path)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, fires, body)
}

func TestAwaitZstdTransparent(t *testing.T) {
	store, srv := newTestStore(t)
	store.Start(context.Background())

	// the key is the sha256 of the decompressed payload
	key := sha256hex([]byte("met-arl-bytes"))
	require.NoError(t, store.Schedule(key, srv.URL+"/met.arl.zst"))

	path, err := store.Await(context.Background(), key)
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "met-arl-bytes", string(body))
}

func TestAwaitIntegrityMismatch(t *testing.T) {
	store, srv := newTestStore(t)
	store.Start(context.Background())

	wrongKey := sha256hex([]byte("something else entirely"))
	require.NoError(t, store.Schedule(wrongKey, srv.URL+"/fires.json"))

	_, err := store.Await(context.Background(), wrongKey)
	require.Error(t, err)
	require.Contains(t, err.Error(), "integrity mismatch")
}

func TestAwaitCancelledMidDownload(t *testing.T) {
	store, srv := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)

	key := sha256hex([]byte("slow payload"))
	require.NoError(t, store.Schedule(key, srv.URL+"/slow.bin"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := store.Await(ctx, key)
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestAwaitUnscheduledKey(t *testing.T) {
	store, _ := newTestStore(t)
	store.Start(context.Background())

	_, err := store.Await(context.Background(), sha256hex([]byte("never scheduled")))
	require.Error(t, err)
}

func TestScheduleRejectsBadKey(t *testing.T) {
	store, srv := newTestStore(t)
	require.Error(t, store.Schedule("not-a-sha", srv.URL+"/fires.json"))
}
