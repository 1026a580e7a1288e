// Package testutil provides shared test fixtures.
//
// The packet builders encode datagrams exactly as the correlator does, so
// decoder, ingest, receiver and end-to-end tests share one wire encoding.
package testutil
