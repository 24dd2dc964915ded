// Package logstore stores execution logs reported by agents and serves them
// through short-lived signed URLs.
//
// Logs live on the local filesystem as {dir}/{tenantID}/{executionID}.log.
// DownloadURL returns {base_url}/logs/{path}?token=... where the token is a
// JWT (audience fleet-logs) whose subject is the path; FileStore.ServeHTTP
// checks it before streaming the file.
package logstore
