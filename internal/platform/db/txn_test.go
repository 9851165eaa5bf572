package db

import (
	"context"
	"testing"
)

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Errorf("expected nil conn, got %v", conn)
	}
}

func TestConnFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not a conn")
	if conn := ConnFromContext(ctx); conn != nil {
		t.Errorf("expected nil conn for wrong type, got %v", conn)
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, 42)
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx for wrong type, got %v", tx)
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	if _, _, err := WithTx(context.Background()); err == nil {
		t.Fatal("expected error when context carries no connection")
	}
}
