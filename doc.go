// Package dtrace and its sub-packages implement a service to trace the payouts an address made through the disperse
// contract.
/*
dtrace provides you with one microservice, the tracer (package tracer), that implements a RESTful API for users to find
the beneficiaries an address paid through the disperse contract, and how much each of them received.

Architecture

The tracer reads a ledger of token transfers and disperse payouts ingested by another process. A trace is resolved in
two steps: first the transactions the address sent to the disperse contract, then the payouts made in those
transactions, summed per beneficiary. The ledger layer (package lib/store) provides a database product agnostic
interface with PostgreSQL/CockroachDB and MongoDB implementations, either opening a connection per request or sharing a
bounded connection pool.

Resolved traces are kept in a fixed size result cache (package lib/cache). Entries are evicted in insertion order and
clients can opt out of the cache per request.

Every trace resolved against the ledger is published to a message broker (package lib/msg) so other services can follow
disperse payouts: an AMQP exchange, a Kafka topic or a Neo4j graph of who paid whom. The broker is optional and is
configured at service startup.

Depending on workload and resources, one or more instances of the tracer can be orchestrated in order to provide the
required service level to the users. Note that each instance keeps its own cache.

The microservice can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Tracer

The tracer microservice can be started running cmd/tracer/main.go. Configuration is read from a JSON file (see
cmd/conf.json) given with the flag "-c" and can be overridden with TRACER_* OS ENV variables. The database connection
is mandatory. The tracer exposes an HTTP RESTful API and a web page to run traces from the browser:

	GET  /             web page
	POST /trace        {"address": "0x...", "use_cache": true}
	POST /cache/clear  empty the result cache
	GET  /cache/stats  cache occupancy

*/
package dtrace
