package httpserver

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/credentials"
	"github.com/hathnode/hathnode/pkg/digest"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/rpcclient"
)

func testServer(t *testing.T, whitelist []net.IP) *Server {
	t.Helper()
	creds := credentials.Credentials{ID: 1000, Key: "testkey1234567890123"}
	rpc := rpcclient.New("http://coordinator.invalid", creds, nil)
	// whitelist is not applied: seeding the client's cached settings needs a
	// login against a live server, so the whitelist check is covered in
	// handlers_servercmd_test.go instead. None of the tests here reach it.
	_ = whitelist

	s := &Server{deps: Deps{Creds: creds, RPC: rpc, Log: logging.Nop{}}}
	return s
}

func TestParseAdditional(t *testing.T) {
	got := parseAdditional("keystamp=1700000000-abcd;xres=1280")
	if got["keystamp"] != "1700000000-abcd" {
		t.Errorf("keystamp = %q", got["keystamp"])
	}
	if got["xres"] != "1280" {
		t.Errorf("xres = %q", got["xres"])
	}

	if got := parseAdditional("-"); len(got) != 0 {
		t.Errorf("expected empty map for \"-\", got %v", got)
	}
}

func TestVerifyKeystampAcceptsFreshSignature(t *testing.T) {
	s := testServer(t, nil)
	id := testFileID()

	epoch := time.Now().Unix()
	template := fmt.Sprintf("%d-%s-%s-hotlinkthis", epoch, id.String(), s.deps.Creds.Key)
	sig := digest.Sign(template)

	keystamp := fmt.Sprintf("%d-%s", epoch, sig)
	if !s.verifyKeystamp(id, keystamp) {
		t.Error("expected fresh, correctly signed keystamp to verify")
	}
}

func TestVerifyKeystampRejectsDrift(t *testing.T) {
	s := testServer(t, nil)
	id := testFileID()

	epoch := time.Now().Add(-constants.MaxKeyTimeDrift - time.Minute).Unix()
	template := fmt.Sprintf("%d-%s-%s-hotlinkthis", epoch, id.String(), s.deps.Creds.Key)
	sig := digest.Sign(template)

	keystamp := fmt.Sprintf("%d-%s", epoch, sig)
	if s.verifyKeystamp(id, keystamp) {
		t.Error("expected stale keystamp beyond drift window to be rejected")
	}
}

func TestVerifyKeystampRejectsWrongSignature(t *testing.T) {
	s := testServer(t, nil)
	id := testFileID()
	keystamp := fmt.Sprintf("%d-%s", time.Now().Unix(), "0000000000000000000000000000000000000000")
	if s.verifyKeystamp(id, keystamp) {
		t.Error("expected wrong signature to be rejected")
	}
}

func TestDefaultRouteReturns403(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/unknown/path", nil)
	w := httptest.NewRecorder()

	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestSpeedTestResponderExactLength(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/t/2048/1700000000/testkey/abc123", nil)
	w := httptest.NewRecorder()

	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 2048 {
		t.Errorf("body length = %d, want 2048", w.Body.Len())
	}
}

func TestSpeedTestResponderDeterministic(t *testing.T) {
	s := testServer(t, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/t/512/1700000000/testkey/seed-a", nil)
	w1 := httptest.NewRecorder()
	s.router().ServeHTTP(w1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/t/512/1700000000/testkey/seed-a", nil)
	w2 := httptest.NewRecorder()
	s.router().ServeHTTP(w2, req2)

	if w1.Body.String() != w2.Body.String() {
		t.Error("same rand seed should produce identical bodies")
	}

	req3 := httptest.NewRequest(http.MethodGet, "/t/512/1700000000/testkey/seed-b", nil)
	w3 := httptest.NewRecorder()
	s.router().ServeHTTP(w3, req3)

	if w1.Body.String() == w3.Body.String() {
		t.Error("different rand seeds should produce different bodies")
	}
}

func testFileID() fileid.FileId {
	return fileid.FileId{
		Hash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Width:  100,
		Height: 100,
		Size:   1024,
		Format: fileid.JPG,
	}
}
