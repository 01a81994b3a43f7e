package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/broker"
	"mingle/internal/config"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

func msg(key string, v interface{}) models.Message {
	return models.NewMessageBuilder().WithField(key, v).Build()
}

func TestRouter_Destinations(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Router)
		queue string
		want  []string
	}{
		{
			name:  "no rules",
			setup: func(r *Router) {},
			queue: "a",
			want:  []string{"a"},
		},
		{
			name: "redirect",
			setup: func(r *Router) {
				require.NoError(t, r.AddRedirect("a", "b"))
			},
			queue: "a",
			want:  []string{"b"},
		},
		{
			name: "chained redirects",
			setup: func(r *Router) {
				require.NoError(t, r.AddRedirect("a", "b"))
				require.NoError(t, r.AddRedirect("b", "c"))
			},
			queue: "a",
			want:  []string{"c"},
		},
		{
			name: "wiretap",
			setup: func(r *Router) {
				require.NoError(t, r.AddWiretap("a", "b"))
			},
			queue: "a",
			want:  []string{"a", "b"},
		},
		{
			name: "independent wiretaps",
			setup: func(r *Router) {
				require.NoError(t, r.AddWiretap("a", "b"))
				require.NoError(t, r.AddWiretap("a", "c"))
			},
			queue: "a",
			want:  []string{"a", "b", "c"},
		},
		{
			name: "redirect and wiretap on one source",
			setup: func(r *Router) {
				require.NoError(t, r.AddRedirect("a", "b"))
				require.NoError(t, r.AddWiretap("a", "c"))
			},
			queue: "a",
			want:  []string{"b", "c"},
		},
		{
			name: "wiretap target is itself redirected",
			setup: func(r *Router) {
				require.NoError(t, r.AddWiretap("a", "b"))
				require.NoError(t, r.AddRedirect("b", "c"))
			},
			queue: "a",
			want:  []string{"a", "c"},
		},
		{
			name: "two wiretaps converging on one queue",
			setup: func(r *Router) {
				require.NoError(t, r.AddWiretap("a", "b"))
				require.NoError(t, r.AddWiretap("a", "c"))
				require.NoError(t, r.AddRedirect("b", "d"))
				require.NoError(t, r.AddRedirect("c", "d"))
			},
			queue: "a",
			want:  []string{"a", "d", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			tt.setup(r)
			assert.Equal(t, tt.want, r.Destinations(tt.queue))
		})
	}
}

func TestRouter_RejectsInvalidRules(t *testing.T) {
	r := New()

	err := r.AddRedirect("a", "a")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	err = r.AddWiretap("a", "Not Valid")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, r.AddRedirect("a", "b"))
	require.NoError(t, r.AddRedirect("b", "c"))

	err = r.AddRedirect("c", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRoutingCycle)

	err = r.AddWiretap("c", "a")
	assert.ErrorIs(t, err, apperrors.ErrRoutingCycle)

	assert.Equal(t, []string{"c"}, r.Destinations("a"))
}

func TestRouter_ReplacingRedirectKeepsPreviousOnCycle(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRedirect("a", "b"))
	require.NoError(t, r.AddRedirect("c", "a"))

	err := r.AddRedirect("a", "c")
	assert.ErrorIs(t, err, apperrors.ErrRoutingCycle)
	assert.Equal(t, []string{"b"}, r.Destinations("a"))

	require.NoError(t, r.AddRedirect("a", "d"))
	assert.Equal(t, []string{"d"}, r.Destinations("a"))
}

func TestRouter_RemoveAllAndRules(t *testing.T) {
	r := New()
	require.NoError(t, r.AddWiretap("a", "c"))
	require.NoError(t, r.AddRedirect("a", "b"))
	require.NoError(t, r.AddWiretap("a", "c"))
	require.NoError(t, r.AddRedirect("x", "y"))

	assert.Equal(t, []Rule{
		{From: "a", To: "b", Kind: KindRedirect},
		{From: "a", To: "c", Kind: KindWiretap},
		{From: "x", To: "y", Kind: KindRedirect},
	}, r.Rules())

	r.RemoveAll("a")
	assert.Equal(t, []string{"a"}, r.Destinations("a"))
	assert.Equal(t, []string{"y"}, r.Destinations("x"))
}

func TestRouter_InstancesAreIndependent(t *testing.T) {
	first := New()
	second := New()
	require.NoError(t, first.AddRedirect("a", "b"))

	assert.Equal(t, []string{"b"}, first.Destinations("a"))
	assert.Equal(t, []string{"a"}, second.Destinations("a"))
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.RoutingConfig{
		Redirects: []config.RouteConfig{{From: "q.pages", To: "q.cards"}},
		Wiretaps:  []config.RouteConfig{{From: "q.cards", To: "q.audit"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"q.cards", "q.audit"}, r.Destinations("q.pages"))

	_, err = FromConfig(config.RoutingConfig{
		Redirects: []config.RouteConfig{{From: "a", To: "b"}, {From: "b", To: "a"}},
	})
	assert.Error(t, err)
}

func TestGateway_RedirectExclusivity(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.AddRedirect("a", "b"))
	gw := NewGateway(broker.NewMemoryGateway(), r)

	require.NoError(t, gw.Send(ctx, "a", msg("x", 1)))

	size, err := gw.Size(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := broker.Drain(ctx, gw, "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Body["x"])
}

func TestGateway_WiretapAdditivity(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.AddWiretap("a", "b"))
	require.NoError(t, r.AddWiretap("a", "c"))
	gw := NewGateway(broker.NewMemoryGateway(), r)

	require.NoError(t, gw.Send(ctx, "a", msg("x", 1), msg("x", 2)))

	fromA, err := broker.Drain(ctx, gw, "a")
	require.NoError(t, err)
	fromB, err := broker.Drain(ctx, gw, "b")
	require.NoError(t, err)
	fromC, err := broker.Drain(ctx, gw, "c")
	require.NoError(t, err)

	require.Len(t, fromA, 2)
	require.Len(t, fromB, 2)
	require.Len(t, fromC, 2)

	for i := range fromA {
		assert.Equal(t, fromA[i].Body, fromB[i].Body)
		assert.Equal(t, fromA[i].Body, fromC[i].Body)
		assert.NotEqual(t, fromA[i].ID, fromB[i].ID)
		assert.NotEqual(t, fromB[i].ID, fromC[i].ID)
	}
}

func TestGateway_WiretapCopiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.AddWiretap("a", "b"))
	gw := NewGateway(broker.NewMemoryGateway(), r)

	original := models.NewMessageBuilder().
		WithField("nested", map[string]interface{}{"k": "v"}).
		WithProperty("p", "1").
		Build()
	require.NoError(t, gw.Send(ctx, "a", original))

	fromA, err := broker.Drain(ctx, gw, "a")
	require.NoError(t, err)
	fromB, err := broker.Drain(ctx, gw, "b")
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)

	fromA[0].Body["nested"].(map[string]interface{})["k"] = "changed"
	assert.Equal(t, "v", fromB[0].Body["nested"].(map[string]interface{})["k"])
	assert.Equal(t, "v", original.Body["nested"].(map[string]interface{})["k"])
}

func TestGateway_RoutesTransactionalSends(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.AddRedirect("a", "b"))
	require.NoError(t, r.AddWiretap("a", "c"))
	gw := NewGateway(broker.NewMemoryGateway(), r)

	tx, err := gw.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Send(ctx, "a", msg("x", 1)))
	require.NoError(t, tx.Rollback())

	for _, q := range []string{"a", "b", "c"} {
		size, err := gw.Size(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, size, q)
	}

	tx, err = gw.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Send(ctx, "a", msg("x", 1)))
	require.NoError(t, tx.Commit())

	sizes := map[string]int{}
	for _, q := range []string{"a", "b", "c"} {
		size, err := gw.Size(ctx, q)
		require.NoError(t, err)
		sizes[q] = size
	}
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 1}, sizes)
}
