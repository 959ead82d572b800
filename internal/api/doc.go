// Package api implements the REST client for the campus-chat server:
// conversation listing, history fetches and message persistence.
package api
