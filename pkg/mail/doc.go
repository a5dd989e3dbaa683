// Package mail delivers security alerts by email: an SMTP sender with retry
// and backoff, HTML alert templates and an audit sink that mails events above
// a severity threshold.
package mail
