// Package apiresponses provides the JSON error payload shared by the
// gatekeeper denials and the admin API, plus gin helpers that write it.
package apiresponses
