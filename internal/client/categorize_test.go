package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/agri-assistant/internal/circuitbreaker"
	"github.com/kjstillabower/agri-assistant/internal/validation"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{"canceled", context.Canceled, ErrorCategoryCanceled},
		{"breaker", fmt.Errorf("geocode: %w", circuitbreaker.ErrOpen), ErrorCategoryCircuitOpen},
		{"not found", fmt.Errorf("geocode %q: %w", "x", ErrLocationNotFound), ErrorCategoryLocationNotFound},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"5xx", fmt.Errorf("%w: HTTP 503", ErrUpstreamFailure), ErrorCategoryUpstream5xx},
		{"parse", fmt.Errorf("%w: parse forecast", ErrBadResponse), ErrorCategoryParsing},
		{"validation", validation.ErrLocationInvalidChars, ErrorCategoryValidation},
		{"other", errors.New("something odd"), ErrorCategoryUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CategorizeError(tc.err); got != tc.want {
				t.Errorf("CategorizeError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
