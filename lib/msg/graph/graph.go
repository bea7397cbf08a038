// Package graph implements the message broker interface on a Neo4j graph. Instead of queueing events, every trace is
// merged into the graph as DISPERSED_TO relationships from the traced address to its beneficiaries, so the payouts of
// many traces can be explored together.
package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/msg"
)

// DefaultDatabase is used when no database is configured.
const DefaultDatabase = "neo4j"

const timeout = 10 * time.Second

const (
	qryConstraint = `CREATE CONSTRAINT address_id IF NOT EXISTS FOR (a:Address) REQUIRE a.id IS UNIQUE`
	qryMerge      = `
		MERGE (source:Address {id: $source})
		WITH source
		UNWIND $edges AS edge
		MERGE (beneficiary:Address {id: edge.to})
		MERGE (source)-[d:DISPERSED_TO]->(beneficiary)
		SET d.amount = edge.amount,
			d.tx_count = $txCount,
			d.traced_at = $tracedAt
	`
)

// Graph writes trace events to a Neo4j database.
type Graph struct {
	d   neo4j.DriverWithContext
	db  string
	log *logrus.Logger
}

// New returns a Graph connected to the Neo4j server at uri (ie. neo4j://localhost:7687).
func New(uri, user, secret, database string, log *logrus.Logger) (*Graph, error) {
	d, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, secret, ""))
	if err != nil {
		return nil, err
	}

	if database == "" {
		database = DefaultDatabase
	}

	return &Graph{d: d, db: database, log: log}, nil
}

// Setup verifies the server is reachable and makes addresses unique in the graph.
func (g *Graph) Setup() error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.d.VerifyConnectivity(ctx); err != nil {
		return err
	}

	_, err := neo4j.ExecuteQuery(ctx, g.d, qryConstraint, nil, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(g.db))

	return err
}

func (g *Graph) Close() error {
	return g.d.Close(context.Background())
}

// SendTrace merges the beneficiaries of the trace into the graph. Traces without beneficiaries are not written.
func (g *Graph) SendTrace(ev msg.TraceEvent) error {
	e := edges(ev)
	if len(e) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	params := map[string]any{
		"source":   ev.Trace.Address,
		"edges":    e,
		"txCount":  ev.Trace.TxCount,
		"tracedAt": ev.At.Unix(),
	}

	res, err := neo4j.ExecuteQuery(ctx, g.d, qryMerge, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(g.db), neo4j.ExecuteQueryWithWritersRouting())
	if err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"addr":          ev.Trace.Address,
		"relationships": res.Summary.Counters().RelationshipsCreated(),
	}).Debug("Trace merged into graph")

	return nil
}

// edges returns the query parameters for the beneficiaries of a trace. Amounts are kept as decimal strings so no
// precision is lost in the graph. Payouts without destination address cannot be linked and are skipped.
func edges(ev msg.TraceEvent) []map[string]any {
	e := make([]map[string]any, 0, len(ev.Trace.Beneficiaries))

	for to, amount := range ev.Trace.Beneficiaries {
		if to == "" {
			continue
		}

		e = append(e, map[string]any{"to": to, "amount": amount.String()})
	}

	return e
}
