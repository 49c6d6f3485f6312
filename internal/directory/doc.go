// Package directory provides identity directory backends for auth.Gate:
// an in-memory table, a reloadable JSON/YAML file and Redis hashes.
package directory
