package database

import "context"

type txKey struct{}

// TxInfo holds the transaction in context and whether it is owned by the caller.
type TxInfo struct {
	Tx    Transaction
	Owned bool
}

// WithTx stores transaction info in the context.
func WithTx(ctx context.Context, tx Transaction, owned bool) context.Context {
	return context.WithValue(ctx, txKey{}, TxInfo{Tx: tx, Owned: owned})
}

// TxFromContext extracts the transaction from the context, or nil.
func TxFromContext(ctx context.Context) Transaction {
	info, ok := ctx.Value(txKey{}).(TxInfo)
	if !ok || info.Tx == nil {
		return nil
	}
	return info.Tx
}

// TxInfoFromContext extracts full transaction info from the context.
func TxInfoFromContext(ctx context.Context) (TxInfo, bool) {
	info, ok := ctx.Value(txKey{}).(TxInfo)
	if !ok || info.Tx == nil {
		return TxInfo{}, false
	}
	return info, true
}

// ExecutorFromContext returns the transaction if present, otherwise the connection.
// Queries written with '?' placeholders are rebound for the connection's driver,
// so repositories stay driver-agnostic and transaction-transparent.
func ExecutorFromContext(ctx context.Context, conn Connection) Executor {
	var exec Executor = conn
	if tx := TxFromContext(ctx); tx != nil {
		exec = tx
	}
	if conn.Driver() == DriverPostgres {
		return rebindExecutor{next: exec, driver: DriverPostgres}
	}
	return exec
}

type rebindExecutor struct {
	next   Executor
	driver Driver
}

func (e rebindExecutor) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return e.next.Exec(ctx, Rebind(e.driver, query), args...)
}

func (e rebindExecutor) QueryRow(ctx context.Context, query string, args ...any) Row {
	return e.next.QueryRow(ctx, Rebind(e.driver, query), args...)
}

func (e rebindExecutor) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.next.Query(ctx, Rebind(e.driver, query), args...)
}
