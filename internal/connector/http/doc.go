// Package http provides the rate-limited REST transport shared by the CRM
// connector and the bulk job client.
//
// Structure:
//
//	client.go     - HTTP client with rate limiting and retry
//	auth.go       - Authentication strategies (None, Bearer)
//	paginator.go  - Link-following pagination (nextRecordsUrl style)
package http
