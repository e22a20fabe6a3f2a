package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsDatabaseError(t *testing.T) {
	base := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"database error", DatabaseError("record classification", base), true},
		{"wrapped database error", fmt.Errorf("pipeline: %w", DatabaseError("check patterns", base)), true},
		{"external error", ExternalError("llm", base), false},
		{"plain error", base, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDatabaseError(tt.err); got != tt.want {
				t.Errorf("IsDatabaseError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDatabaseErrorUnwrap(t *testing.T) {
	err := DatabaseError("get pattern stats", context.DeadlineExceeded)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected wrapped deadline error to be visible through errors.Is")
	}
	if err.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", err.Status)
	}
}

func TestAsAppError(t *testing.T) {
	if got := AsAppError(context.DeadlineExceeded); got.Code != CodeTimeout {
		t.Errorf("expected TIMEOUT for deadline, got %s", got.Code)
	}
	if got := AsAppError(errors.New("boom")); got.Code != CodeInternalError {
		t.Errorf("expected INTERNAL_ERROR, got %s", got.Code)
	}
	if got := AsAppError(NotFound("pattern")); got.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got.Status)
	}
}
