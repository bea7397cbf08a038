// Package main: disperse tracer service.
//
// The tracer only reads the ledger: transfers and disperse payouts must be ingested into the database by another
// process. Configuration is read from the JSON file given with -c and from TRACER_* OS ENV variables.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/cache"
	"github.com/tarancss/dtrace/lib/config"
	"github.com/tarancss/dtrace/lib/metrics"
	"github.com/tarancss/dtrace/lib/msg/broker"
	"github.com/tarancss/dtrace/lib/store/db"
	"github.com/tarancss/dtrace/tracer"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to serve Prometheus metrics on the configured metrics port")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.WithError(err).Fatal("Cannot load configuration")
	}

	if level, errL := logrus.ParseLevel(conf.LogLevel); errL != nil {
		log.WithError(errL).Warnf("Unknown log level %q, using %s", conf.LogLevel, log.GetLevel())
	} else {
		log.SetLevel(level)
	}

	log.Infof("Configuration:%s", conf)

	// connect to the ledger
	ledger, err := db.New(conf.DBType, conf.DBConn, conf.DBName, conf.Pool.Options(), log)
	if err != nil {
		log.WithError(err).Fatal("Cannot open ledger")
	}

	log.WithFields(logrus.Fields{"type": conf.DBType, "pool": conf.Pool.Mode}).Info("Ledger ready")

	// result cache
	var c cache.Cache = cache.NewNoop()

	if conf.Cache.Enabled {
		if c, err = cache.NewFIFO(conf.Cache.Size); err != nil {
			log.WithError(err).Fatal("Cannot create result cache")
		}
	}

	metrics.WatchCache(func() float64 { return float64(c.Stats().Size) })

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Infof("Serving metrics API on :%s", conf.MetricsPort)

			h := http.NewServeMux()
			h.Handle("/metrics", metrics.Handler())

			s := &http.Server{Addr: ":" + conf.MetricsPort, Handler: h, ReadHeaderTimeout: 15 * time.Second}
			if errM := s.ListenAndServe(); errM != nil {
				log.WithError(errM).Error("Metrics server stopped")
			}
		}()
	}

	// load message broker
	mb, err := broker.New(broker.Options{
		Type: conf.MbType, Conn: conf.MbConn, Topic: conf.MbTopic, User: conf.MbUser, Secret: conf.MbSecret,
	}, log)
	if err != nil {
		_ = ledger.Close()

		log.WithError(err).Fatal("Cannot connect to message broker")
	}

	if mb == nil {
		log.Info("No message broker configured, trace events are not published")
	}

	// create tracer service
	t := tracer.New(ledger, c, mb, log)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Program killed !")
		t.Stop()
	}()

	// init RESTful API, wait for its return and log response
	log.Infof("Tracer: %s", t.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	// wait for the ledger and broker to be closed
	t.Stop()
}
