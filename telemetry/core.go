// Package telemetry provides monitoring utilities.
package telemetry

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/mmcloughlin/orconn/log"
)

// Handler returns a router for telemetry endpoints. Callers may register
// further routes on it.
func Handler() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	return r
}

// JSONHandler serves the value returned by f as JSON.
func JSONHandler(f func() (interface{}, error), l log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := f()
		if err != nil {
			log.Err(l, err, "telemetry snapshot failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Err(l, err, "could not encode telemetry response")
		}
	})
}

// Serve launches a HTTP server for telemetry endpoints.
func Serve(addr string, h http.Handler, l log.Logger) {
	l.With("addr", addr).Info("starting telemetry server")
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Err(l, err, "telemetry server failure")
	}
}
