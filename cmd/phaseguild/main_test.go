package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/kazz187/phaseguild/pkg/cerr"
)

func TestReportError(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	tests := []struct {
		name  string
		err   error
		want  string
		code  int
		color color.Attribute
	}{
		{
			name:  "budget exhausted",
			err:   cerr.BudgetExhausted("circuit breaker tripped: spent 3 of 1, reset required"),
			want:  "BudgetExhausted: circuit breaker tripped: spent 3 of 1, reset required\n",
			code:  1,
			color: color.FgYellow,
		},
		{
			name:  "phase gate",
			err:   cerr.PhaseGate("checkpoint for SPEC is none; approval is required before advancing"),
			want:  "PhaseGateError: checkpoint for SPEC is none; approval is required before advancing\n",
			code:  1,
			color: color.FgYellow,
		},
		{
			name:  "invalid budget",
			err:   cerr.InvalidBudget("budget limit must be positive, got 0"),
			want:  "InvalidBudgetError: budget limit must be positive, got 0\n",
			code:  1,
			color: color.FgRed,
		},
		{
			name:  "plain error",
			err:   errors.New("disk full"),
			want:  "Error: disk full\n",
			code:  1,
			color: color.FgRed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tt.code, reportError(&buf, tt.err))
			assert.Equal(t, tt.want, buf.String())
			assert.True(t, errorColor(tt.err).Equals(color.New(tt.color)))
		})
	}

	var buf bytes.Buffer
	assert.Zero(t, reportError(&buf, nil))
	assert.Empty(t, buf.String())
}
