package services

import (
	"context"

	"github.com/google/uuid"
)

type transitionKey struct{}
type actorKey struct{}

// transitionMeta travels with the context through one pipeline run.
type transitionMeta struct {
	ID       string
	ParentID string
	Origin   Origin
	Depth    int
}

func withTransition(ctx context.Context, meta transitionMeta) context.Context {
	return context.WithValue(ctx, transitionKey{}, meta)
}

func transitionFrom(ctx context.Context) (transitionMeta, bool) {
	meta, ok := ctx.Value(transitionKey{}).(transitionMeta)
	return meta, ok
}

// newTransition starts a top-level transition unless ctx already carries one.
func newTransition(ctx context.Context, origin Origin) (context.Context, transitionMeta) {
	if meta, ok := transitionFrom(ctx); ok {
		return ctx, meta
	}
	meta := transitionMeta{ID: uuid.NewString(), Origin: origin}
	return withTransition(ctx, meta), meta
}

// childTransition derives the context for a SetField re-entry one level deeper.
func childTransition(ctx context.Context) context.Context {
	parent, _ := transitionFrom(ctx)
	return withTransition(ctx, transitionMeta{
		ID:       uuid.NewString(),
		ParentID: parent.ID,
		Origin:   OriginSetField,
		Depth:    parent.Depth + 1,
	})
}

// WithActor attaches the id of the user whose mutation caused the transition.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) *string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return &id
	}
	return nil
}
