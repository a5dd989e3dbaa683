// Package policy renders the security response headers (CORS, CSP, HSTS,
// Permissions-Policy and the fixed hardening set) from declarative
// configuration, and issues and validates CSRF tokens and API keys.
// Everything here is stateless apart from the configuration it is built with.
package policy
