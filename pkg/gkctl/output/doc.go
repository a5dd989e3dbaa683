// Package output renders gkctl results as tables, JSON or YAML.
package output
