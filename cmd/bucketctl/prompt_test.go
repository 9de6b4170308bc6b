package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damacus/datalab-buckets/internal/upload"
)

func TestLinePrompterConfirmLimits(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		out := &bytes.Buffer{}
		p := newLinePrompter(strings.NewReader(tt.answer), out)
		got, err := p.ConfirmLimits(context.Background(), upload.Limits{TooMany: true, Truncated: 3})
		require.NoError(t, err, tt.answer)
		assert.Equal(t, tt.want, got, tt.answer)
		assert.Contains(t, out.String(), "[y/N]")
	}
}

func TestLinePrompterResolveConflict(t *testing.T) {
	out := &bytes.Buffer{}
	p := newLinePrompter(strings.NewReader("what\nr\ns\nR\nS\n"), out)
	ctx := context.Background()

	d, err := p.ResolveConflict(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, upload.Decision{Action: upload.Replace}, d, "unknown answers ask again")
	assert.Equal(t, 2, strings.Count(out.String(), `"a.txt" already exists`))

	d, err = p.ResolveConflict(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, upload.Decision{Action: upload.Skip}, d)

	d, err = p.ResolveConflict(ctx, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, upload.Decision{Action: upload.Replace, ApplyToAll: true}, d)

	d, err = p.ResolveConflict(ctx, "d.txt")
	require.NoError(t, err)
	assert.Equal(t, upload.Decision{Action: upload.Skip, ApplyToAll: true}, d)

	_, err = p.ResolveConflict(ctx, "e.txt")
	assert.Error(t, err, "input exhausted")
}

func TestPresetPrompterFromFlags(t *testing.T) {
	ctx := context.Background()

	p, err := presetPrompter(false, "")
	require.NoError(t, err)
	ok, err := p.ConfirmLimits(ctx, upload.Limits{TooBig: true})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = p.ResolveConflict(ctx, "a.txt")
	assert.ErrorIs(t, err, upload.ErrDecisionRequired)

	p, err = presetPrompter(true, "skip")
	require.NoError(t, err)
	ok, _ = p.ConfirmLimits(ctx, upload.Limits{TooBig: true})
	assert.True(t, ok)
	d, err := p.ResolveConflict(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, upload.Skip, d.Action)
	assert.True(t, d.ApplyToAll)

	_, err = presetPrompter(true, "overwrite")
	assert.Error(t, err)
}
