// Package stores provides the persistence layer for trueup. It includes
// a SQLite backend with WAL mode and embedded schema migrations, an
// in-memory backend for tests and non-persistent runs, and the session
// adapter that locks a run, loads its enforced state and hands the
// executor its managed-state view.
package stores
