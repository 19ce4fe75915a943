package control

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/credentials"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/httpserver"
	"github.com/hathnode/hathnode/pkg/rpcclient"
	"github.com/hathnode/hathnode/pkg/store"
)

func testCreds() credentials.Credentials {
	return credentials.Credentials{ID: 1000, Key: "testkey1234567890123"}
}

func idFor(body []byte) fileid.FileId {
	sum := sha1.Sum(body)
	return fileid.FileId{
		Hash:   hex.EncodeToString(sum[:]),
		Width:  10,
		Height: 10,
		Size:   uint(len(body)),
		Format: fileid.JPG,
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "cache"), filepath.Join(dir, "temp"), 1<<20, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func insert(t *testing.T, s *store.Store, body []byte) fileid.FileId {
	t.Helper()
	id := idFor(body)
	wh, _, _, err := s.InsertBegin(id)
	if err != nil {
		t.Fatalf("InsertBegin: %v", err)
	}
	wh.File.Write(body)
	rh, err := s.InsertCommit(wh)
	if err != nil {
		t.Fatalf("InsertCommit: %v", err)
	}
	rh.Close()
	return id
}

func TestStillAliveRunsOnScheduledTick(t *testing.T) {
	var stillAliveHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "still_alive") {
			atomic.AddInt32(&stillAliveHits, 1)
		}
		fmt.Fprint(w, "OK\n")
	}))
	defer srv.Close()

	rpc := rpcclient.New(srv.URL, testCreds(), nil)
	l := New(Deps{RPC: rpc, Store: testStore(t)})

	for tick := uint64(1); tick <= constants.KeepAliveEveryTicks; tick++ {
		if _, fatal := l.onTick(tick, new(bool)); fatal {
			t.Fatal("unexpected fatal exit on healthy coordinator")
		}
	}

	if atomic.LoadInt32(&stillAliveHits) != 1 {
		t.Errorf("still_alive hits = %d, want exactly 1 at tick %d", stillAliveHits, constants.KeepAliveEveryTicks)
	}
}

func TestPurgeSweepAppliesReturnedList(t *testing.T) {
	s := testStore(t)
	body := []byte("purge me")
	id := insert(t, s, body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "get_purgelist") {
			fmt.Fprintf(w, "OK\n%s\n", id.String())
			return
		}
		fmt.Fprint(w, "OK\n")
	}))
	defer srv.Close()

	rpc := rpcclient.New(srv.URL, testCreds(), nil)
	l := New(Deps{RPC: rpc, Store: s})

	l.runPurgeSweep(context.Background(), constants.PurgeSweepWindowSeconds)

	if _, ok := s.Lookup(id); ok {
		t.Error("expected purged fileid to be removed from the store")
	}
}

func TestKeyExpiredIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "KEY_EXPIRED\n")
	}))
	defer srv.Close()

	rpc := rpcclient.New(srv.URL, testCreds(), nil)
	l := New(Deps{RPC: rpc, Store: testStore(t)})

	_, fatal := l.onTick(constants.KeepAliveEveryTicks, new(bool))
	if !fatal {
		t.Error("expected KEY_EXPIRED to be classified fatal")
	}
}

func TestDispatchRefreshSettingsUpdatesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK\nclient_port=9001\n")
	}))
	defer srv.Close()

	rpc := rpcclient.New(srv.URL, testCreds(), nil)
	l := New(Deps{RPC: rpc, Store: testStore(t)})

	l.dispatch(httpserver.Command{Kind: httpserver.CommandRefreshSettings})

	if got := rpc.Settings().ClientPort; got != 9001 {
		t.Errorf("ClientPort after refresh_settings dispatch = %d, want 9001", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK\n")
	}))
	defer srv.Close()

	rpc := rpcclient.New(srv.URL, testCreds(), nil)
	s := testStore(t)
	l := New(Deps{RPC: rpc, Store: s, LRUPath: filepath.Join(t.TempDir(), "lru.dat")})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	code := l.Run(ctx)
	if code != constants.ExitNormal {
		t.Errorf("exit code = %d, want ExitNormal", code)
	}
}
