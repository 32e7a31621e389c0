// gateway-receiver is a fake vendor gateway for local testing. It
// records every notification it receives, optionally verifies the
// X-Bday-Signature header (set SECRET), and can inject failures to
// exercise the retry path: set FAIL_FIRST=n to reject the first n
// requests with FAIL_STATUS (default 503).
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type request struct {
	Timestamp string            `json:"timestamp"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	SigOK     *bool             `json:"signature_ok,omitempty"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	lastRequests []request
	since        time.Time
	maxStored    = 50

	secret     = os.Getenv("SECRET")
	failFirst  int
	failStatus = http.StatusServiceUnavailable
)

func main() {
	since = time.Now().UTC()

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_FIRST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirst = n
		}
	}
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failStatus = n
		}
	}

	http.HandleFunc("/notify", notifyHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		rejected = 0
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("gateway-receiver listening on %s (fail_first=%d, fail_status=%d)", addr, failFirst, failStatus)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func notifyHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	req := request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Headers:   headers,
		Body:      string(body),
	}
	if secret != "" {
		ok := verifySignature(secret, body, r.Header.Get("X-Bday-Signature"))
		req.SigOK = &ok
		if !ok {
			log.Printf("notify rejected: bad signature")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	mu.Lock()
	count++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	fail := current <= int64(failFirst)
	if fail {
		rejected++
	}
	mu.Unlock()

	if fail {
		log.Printf("notify #%d rejected with %d (failure injection)", current, failStatus)
		w.WriteHeader(failStatus)
		return
	}

	log.Printf("notify received #%d: %s", current, string(body))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Rejected:     rejected,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
