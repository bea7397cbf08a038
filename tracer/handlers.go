package tracer

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/metrics"
	"github.com/tarancss/dtrace/lib/msg"
	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

//go:embed static/index.html
var indexPage []byte

// TraceReq is the body of a trace request. UseCache defaults to true when absent.
type TraceReq struct {
	Address  string `json:"address"`
	UseCache *bool  `json:"use_cache"`
}

// TraceStats summarizes a trace.
type TraceStats struct {
	Beneficiaries int     `json:"disperse_beneficiaries"`
	Total         float64 `json:"total_disperse_amount"`
	Transactions  int     `json:"disperse_transactions"`
}

// TraceRes is replied to successful trace requests. Amounts are converted to float64 when encoded and may lose
// precision; traces keep exact amounts.
type TraceRes struct {
	Success       bool               `json:"success"`
	Address       string             `json:"address"`
	Beneficiaries map[string]float64 `json:"disperse_beneficiaries"`
	Stats         TraceStats         `json:"stats"`
	Cached        bool               `json:"cached"`
}

// MessageRes is replied to successful requests without data.
type MessageRes struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorRes is replied to failed requests.
type ErrorRes struct {
	Error string `json:"error"`
}

// Errors returned to client requests.
var (
	ErrNoAddress  = errors.New("Address is required")                                   //nolint:stylecheck // client message
	ErrAddrFormat = errors.New("Invalid address format. Address must start with '0x'") //nolint:stylecheck // client message
	ErrBadBody    = errors.New("Invalid request body")                                  //nolint:stylecheck // client message
)

func newTraceRes(t types.Trace, cached bool) TraceRes {
	res := TraceRes{
		Success:       true,
		Address:       t.Address,
		Beneficiaries: make(map[string]float64, len(t.Beneficiaries)),
		Stats: TraceStats{
			Beneficiaries: t.BeneficiaryCount,
			Total:         t.Total.InexactFloat64(),
			Transactions:  t.TxCount,
		},
		Cached: cached,
	}

	for to, v := range t.Beneficiaries {
		res.Beneficiaries[to] = v.InexactFloat64()
	}

	return res
}

// validAddress trims the requested address and checks its format.
func validAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrNoAddress
	}

	if !strings.HasPrefix(addr, "0x") {
		return "", ErrAddrFormat
	}

	return util.Normalize(addr), nil
}

// errorReply returns the status code and body for a failed request.
func errorReply(err error) (int, ErrorRes) {
	if errors.Is(err, ErrNoAddress) || errors.Is(err, ErrAddrFormat) || errors.Is(err, ErrBadBody) {
		return http.StatusBadRequest, ErrorRes{Error: err.Error()}
	}

	var dse *store.DataSourceError
	if errors.As(err, &dse) {
		return http.StatusInternalServerError, ErrorRes{Error: "Database error: " + dse.Detail}
	}

	return http.StatusInternalServerError, ErrorRes{Error: "Unexpected error: " + err.Error()}
}

// reply sends body as JSON with the given status code.
func (t *Tracer) reply(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(body); err != nil {
		t.log.WithError(err).Warn("Cannot write response")
	}
}

// homeHandler serves the tracer web page.
func (t *Tracer) homeHandler(rw http.ResponseWriter, r *http.Request) {
	t.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "uri": r.RequestURI}).Debug("httpreq")

	rw.Header().Set("Content-Type", "text/html;charset=utf8")
	_, _ = rw.Write(indexPage)
}

// traceHandler replies the beneficiaries the requested address paid through the disperse contract. Results are taken
// from the cache unless the request opts out, in which case the cache is neither read nor written.
func (t *Tracer) traceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var req TraceReq

	var trace types.Trace

	var cached bool

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p) //nolint:goerr113 // panic value
			t.log.WithField("uri", r.RequestURI).Errorf("Recovered from panic: %v\n%s", p, debug.Stack())
		}

		status, body := http.StatusOK, interface{}(nil)
		if err != nil {
			status, body = errorReply(err)
		} else {
			body = newTraceRes(trace, cached)
		}

		metrics.Requests.WithLabelValues(strconv.Itoa(status)).Inc()

		entry := t.log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr, "uri": r.RequestURI, "addr": trace.Address, "cached": cached, "status": status,
		})
		if status == http.StatusInternalServerError {
			entry.WithError(err).Error("httpreq")
		} else {
			entry.WithError(err).Info("httpreq")
		}

		t.reply(rw, status, body)
	}()

	if errD := json.NewDecoder(r.Body).Decode(&req); errD != nil {
		err = ErrBadBody

		return
	}

	addr, err := validAddress(req.Address)
	if err != nil {
		return
	}

	useCache := req.UseCache == nil || *req.UseCache
	if useCache {
		if trace, cached = t.cache.Get(addr); cached {
			metrics.CacheHits.Inc()

			return
		}

		metrics.CacheMisses.Inc()
	}

	if trace, err = t.res.Resolve(r.Context(), addr); err != nil {
		return
	}

	if useCache {
		t.cache.Put(addr, trace)
	}

	t.publish(trace)
}

// publish sends a trace event to the broker, if any. Failures are only logged.
func (t *Tracer) publish(trace types.Trace) {
	if t.mb == nil {
		return
	}

	if err := t.mb.SendTrace(msg.NewTraceEvent(trace)); err != nil {
		metrics.PublishFailures.Inc()
		t.log.WithError(err).WithField("addr", trace.Address).Warn("Cannot publish trace event")
	}
}

// clearHandler removes all the cached traces.
func (t *Tracer) clearHandler(rw http.ResponseWriter, r *http.Request) {
	t.cache.Clear()
	t.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "uri": r.RequestURI}).Info("Cache cleared")
	t.reply(rw, http.StatusOK, MessageRes{Success: true, Message: "Cache cleared"})
}

// statsHandler replies the cache occupancy.
func (t *Tracer) statsHandler(rw http.ResponseWriter, r *http.Request) {
	t.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "uri": r.RequestURI}).Debug("httpreq")
	t.reply(rw, http.StatusOK, t.cache.Stats())
}

// recoverer replies 500 to requests whose handler panicked.
func (t *Tracer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}

			if p == http.ErrAbortHandler { //nolint:errorlint,goerr113 // sentinel panic value
				panic(p)
			}

			t.log.WithField("uri", r.RequestURI).Errorf("Recovered from panic: %v\n%s", p, debug.Stack())
			t.reply(rw, http.StatusInternalServerError, ErrorRes{Error: fmt.Sprintf("Unexpected error: %v", p)})
		}()

		next.ServeHTTP(rw, r)
	})
}
