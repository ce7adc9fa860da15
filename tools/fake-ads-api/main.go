// fake-ads-api is a local stand-in for the ads platform's graph API.
//
// It accepts the same set-status and read-entity calls the service makes
// and can simulate the platform's failure modes on demand:
//
//	curl -X POST localhost:9400/mode -d mode=auth_expired
//	curl -X POST localhost:9400/mode -d mode=rate_limited
//	curl -X POST localhost:9400/mode -d mode=flaky        # every 2nd call fails with 500
//	curl -X POST localhost:9400/mode -d mode=none
//
// Entity statuses live in memory; /stats dumps them together with the call
// count, /reset wipes everything.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type stats struct {
	Calls    int64             `json:"calls"`
	Failures int64             `json:"failures"`
	Mode     string            `json:"mode"`
	Statuses map[string]string `json:"statuses"`
	Since    string            `json:"since"`
}

var (
	mu       sync.Mutex
	calls    int64
	failures int64
	mode     = "none"
	statuses = map[string]string{}
	since    time.Time
)

func main() {
	since = time.Now().UTC()

	addr := ":9400"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("MODE"); v != "" {
		mode = v
	}

	http.HandleFunc("/mode", modeHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls = 0
		failures = 0
		statuses = map[string]string{}
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	http.HandleFunc("/", entityHandler)

	log.Printf("fake-ads-api listening on %s (mode=%s)", addr, mode)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func modeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	m := r.FormValue("mode")
	switch m {
	case "none", "auth_expired", "rate_limited", "flaky":
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}
	mu.Lock()
	mode = m
	mu.Unlock()
	log.Printf("mode set to %s", m)
	fmt.Fprintln(w, m)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Calls:    calls,
		Failures: failures,
		Mode:     mode,
		Statuses: make(map[string]string, len(statuses)),
		Since:    since.Format(time.RFC3339),
	}
	for k, v := range statuses {
		s.Statuses[k] = v
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func entityHandler(w http.ResponseWriter, r *http.Request) {
	adID := strings.Trim(r.URL.Path, "/")
	if adID == "" {
		http.Error(w, "missing entity id", http.StatusNotFound)
		return
	}

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeGraphError(w, http.StatusUnauthorized, 190, "missing access token")
		return
	}

	mu.Lock()
	calls++
	current := calls
	m := mode
	mu.Unlock()

	switch m {
	case "auth_expired":
		recordFailure()
		writeGraphError(w, http.StatusUnauthorized, 190, "access token has expired")
		return
	case "rate_limited":
		recordFailure()
		writeGraphError(w, http.StatusTooManyRequests, 17, "user request limit reached")
		return
	case "flaky":
		if current%2 == 0 {
			recordFailure()
			writeGraphError(w, http.StatusInternalServerError, 1, "an unknown error occurred")
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		status := r.FormValue("status")
		if status != "ACTIVE" && status != "PAUSED" {
			writeGraphError(w, http.StatusBadRequest, 100, "invalid status parameter")
			return
		}
		mu.Lock()
		statuses[adID] = status
		mu.Unlock()
		log.Printf("call #%d: %s -> %s", current, adID, status)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"success":true}`)

	case http.MethodGet:
		mu.Lock()
		status, ok := statuses[adID]
		mu.Unlock()
		if !ok {
			status = "PAUSED"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": adID, "status": status})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func recordFailure() {
	mu.Lock()
	failures++
	mu.Unlock()
}

func writeGraphError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "OAuthException",
			"code":    code,
		},
	})
}
