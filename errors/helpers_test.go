package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/c0deZ3R0/go-cart-sync/errors"
)

func TestWrapOpComponent(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		op           string
		component    string
		expectedOp   errors.Operation
		expectedComp string
		nilError     bool
	}{
		{
			name:      "nil error returns nil",
			err:       nil,
			op:        "sqlite.Save",
			component: "storage/sqlite",
			nilError:  true,
		},
		{
			name:         "basic error wrapping",
			err:          fmt.Errorf("underlying error"),
			op:           "sqlite.Save",
			component:    "storage/sqlite",
			expectedOp:   errors.Operation("sqlite.Save"),
			expectedComp: "storage/sqlite",
		},
		{
			name:         "remote client",
			err:          fmt.Errorf("dial tcp: refused"),
			op:           "httptransport.GetCart",
			component:    "transport",
			expectedOp:   errors.Operation("httptransport.GetCart"),
			expectedComp: "transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errors.WrapOpComponent(tt.err, tt.op, tt.component)

			if tt.nilError {
				if result != nil {
					t.Errorf("Expected nil error, got %v", result)
				}
				return
			}

			var syncErr *errors.SyncError
			if !stderrors.As(result, &syncErr) {
				t.Fatalf("Expected *SyncError, got %T", result)
			}
			if syncErr.Op != tt.expectedOp {
				t.Errorf("Op = %v, want %v", syncErr.Op, tt.expectedOp)
			}
			if syncErr.Component != tt.expectedComp {
				t.Errorf("Component = %v, want %v", syncErr.Component, tt.expectedComp)
			}
			if !stderrors.Is(result, tt.err) {
				t.Error("wrapped error does not unwrap to the original")
			}
		})
	}
}

func TestWrapOpComponentKind(t *testing.T) {
	if errors.WrapOpComponentKind(nil, "op", "c", errors.KindCorrupt) != nil {
		t.Fatal("expected nil for nil error")
	}

	err := errors.WrapOpComponentKind(fmt.Errorf("bad json"), "storage.Get", "storage", errors.KindCorrupt)
	if !errors.IsKind(err, errors.KindCorrupt) {
		t.Errorf("KindOf() = %q, want corrupt", errors.KindOf(err))
	}
}
