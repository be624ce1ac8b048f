// Package http exposes the gateway's CouchDB-compatible HTTP surface.
//
// Sync clients talk to the gateway exactly as they would talk to CouchDB.
// Every request is authenticated by the auth chain, and document traffic is
// filtered through the caller's compiled permission policy before it
// reaches or leaves the database.
//
// # Usage
//
//	srv := http.NewServer(replication, chain, sessions,
//	    http.WithAddr(":5985"),
//	    http.WithDatabases([]string{"app"}),
//	    http.WithCookie("SyncGateSession", true),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
// Document routes accept anonymous callers, who get the public rules:
//
//	GET|PUT|DELETE /{db}/{id}
//	POST /{db}/_bulk_docs
//	POST /{db}/_bulk_get
//	GET|POST /{db}/_all_docs
//	POST /{db}/_find
//	GET|POST /{db}/_changes
//
// Replication bookkeeping requires authentication and is relayed as is:
//
//	GET /{db}
//	GET|PUT /{db}/_local/{id}
//	POST /{db}/_revs_diff
//
// Sessions and operations:
//
//	POST|GET|DELETE /_session  - cookie login, session info, logout
//	POST /_rules/reload        - refetch the rule document (_admin only)
//	GET /health                - component health
//	GET /metrics               - Prometheus metrics
//
// # Authentication
//
//	Authorization: Basic <name:password>  - credential pair
//	Cookie: SyncGateSession=<token>       - session cookie from /_session
//	Authorization: Bearer <token>         - session token without a cookie
//
// Credential-pair and cookie authentication renew the session cookie on
// every response.
package http
