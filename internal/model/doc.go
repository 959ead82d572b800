// Package model defines the shared domain types: users and their roles,
// conversations, and messages with their delivery lifecycle.
package model
