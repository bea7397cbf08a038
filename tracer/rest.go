package tracer

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Router returns the RESTful API of the tracer service.
func (t *Tracer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", t.homeHandler).Methods(http.MethodGet)              // tracer web page
	r.HandleFunc("/trace", t.traceHandler).Methods(http.MethodPost)       // trace disperse beneficiaries
	r.HandleFunc("/cache/clear", t.clearHandler).Methods(http.MethodPost) // empty the result cache
	r.HandleFunc("/cache/stats", t.statsHandler).Methods(http.MethodGet)  // result cache occupancy
	r.Use(t.recoverer)

	return r
}

// Init sets up and starts the http/https server to service the RESTful API for the tracer service. If sslPort, sslCert
// and sslKey are informed, it will also start an https (TLS) server on the specified endpoint. It blocks until the
// servers are stopped or one of them fails.
func (t *Tracer) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	r := t.Router()
	errs := make(chan error, 2)

	newServer := func(p string) *http.Server {
		return &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + p,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout:      timeout * time.Second,
			ReadTimeout:       timeout * time.Second,
			ReadHeaderTimeout: timeout * time.Second,
		}
	}

	t.mu.Lock()

	select {
	case <-t.sc:
		t.mu.Unlock()

		return "tracer already stopped"
	default:
	}

	// start http server
	if port != "" {
		t.s = newServer(port)
		s := t.s

		go func() {
			errs <- fmt.Errorf("http server: %w", s.ListenAndServe())
		}()

		t.log.Infof("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		t.ss = newServer(sslPort)
		ss := t.ss

		go func() {
			errs <- fmt.Errorf("https server: %w", ss.ListenAndServeTLS(sslCert, sslKey))
		}()

		t.log.Infof("Listening to API https requests on %s:%s", endpoint, sslPort)
	}

	t.mu.Unlock()

	// wait for servers to be shutdown
	select {
	case <-t.sc:
		return "http and https servers stopped"
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			<-t.sc

			return "http and https servers stopped"
		}

		return err.Error()
	}
}
