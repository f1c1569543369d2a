package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSaverRecordsHandlerOutput(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("body { margin: 0 }"))
	})
	req := httptest.NewRequest("GET", "/style.css", nil)
	rr := httptest.NewRecorder()
	saver := NewResponseSaver(rr)
	handler.ServeHTTP(saver, req)

	res := saver.Response(req)
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusAccepted || string(body) != "body { margin: 0 }" {
		t.Fatalf("Recorded %d %s", res.StatusCode, body)
	}
	if res.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("Header is %v", res.Header)
	}
	if rr.Code != http.StatusAccepted || rr.Body.String() != "body { margin: 0 }" {
		t.Fatalf("Tee wrote %d %s", rr.Code, rr.Body.String())
	}
}

func TestSaverDefaultsToOK(t *testing.T) {
	saver := NewResponseSaver(nil)
	saver.Write([]byte("hi"))
	if saver.StatusCode() != http.StatusOK || string(saver.Body()) != "hi" {
		t.Fatalf("Recorded %d %s", saver.StatusCode(), saver.Body())
	}
}
