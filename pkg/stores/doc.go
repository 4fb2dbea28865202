// Package stores provides the run history persistence layer.
//
// SQLiteStore records every apply and test run as it happens: a run row when
// the run starts, one row per progress event, and the final result with one
// row per unit when the run completes. It implements engine.Recorder, so it
// can be passed to engine.WithRecorder directly.
//
// The schema is managed with embedded golang-migrate migrations. File
// databases use WAL mode; ":memory:" databases are limited to a single
// connection.
package stores
