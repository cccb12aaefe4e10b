// Package history exposes recorded samples over HTTP.
package history

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/model"
	"pubsub-demo/internal/storage"
)

// sampleView is the JSON form of a recorded sample. Payloads that are valid
// UTF-8 are returned as text, anything else as base64.
type sampleView struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
	Encoding  string    `json:"encoding"`
}

func viewOf(s model.Sample) sampleView {
	v := sampleView{Key: s.KeyExpr, Timestamp: s.Timestamp}
	if utf8.Valid(s.Payload) {
		v.Payload, v.Encoding = string(s.Payload), "utf-8"
	} else {
		v.Payload, v.Encoding = base64.StdEncoding.EncodeToString(s.Payload), "base64"
	}
	return v
}

// NewHandler serves the samples in store:
//
//	GET /healthz
//	GET /api/v1/keys
//	GET /api/v1/samples?key=<key>[&start_time=<RFC3339>][&end_time=<RFC3339>]
func NewHandler(store storage.Store) http.Handler {
	log := logging.For("history-api")
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		keys, err := store.ListKeys()
		if err != nil {
			log.Errorf("list keys: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, keys)
	})

	// Keys contain '/', so the key travels as a query parameter.
	mux.HandleFunc("/api/v1/samples", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		key := q.Get("key")
		if key == "" {
			http.Error(w, "key required", http.StatusBadRequest)
			return
		}

		var startPtr, endPtr *time.Time
		if s := q.Get("start_time"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid start_time", http.StatusBadRequest)
				return
			}
			startPtr = &t
		}
		if s := q.Get("end_time"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid end_time", http.StatusBadRequest)
				return
			}
			endPtr = &t
		}

		items, err := store.QuerySamples(key, startPtr, endPtr)
		if err != nil {
			log.Errorf("query samples key=%s start=%v end=%v: %v", key, startPtr, endPtr, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		out := make([]sampleView, 0, len(items))
		for _, it := range items {
			out = append(out, viewOf(it))
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
