package entstore

import (
	"database/sql"
	"log/slog"
)

type SessionOption func(o *sessionOption)

type sessionOption struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithLogger sets the logger a Session reports saves, transactions and in
// memory query evaluation to. Sessions log nothing by default.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOption) {
		o.logger = logger
	}
}

func WithMetrics(metrics *Metrics) SessionOption {
	return func(o *sessionOption) {
		o.metrics = metrics
	}
}

// TxOptions is what a Driver receives when a transaction begins.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

type TxOption func(o *TxOptions)

// WithIsolation requests an isolation level from the store.
func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(o *TxOptions) {
		o.Isolation = level
	}
}

func ReadOnly() TxOption {
	return func(o *TxOptions) {
		o.ReadOnly = true
	}
}
