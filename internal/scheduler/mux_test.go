package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"fundval-scheduler/internal/models"
)

func TestMuxRoutesByKind(t *testing.T) {
	mux := NewMux()
	var got models.Kind
	mux.Register(models.KindHistorySync, func(_ context.Context, job models.Job) error {
		got = job.Kind
		return nil
	})
	mux.Register(models.KindEstimateSync, func(context.Context, models.Job) error {
		return errors.New("estimate upstream down")
	})
	mux.Register(models.KindMetadataSync, nil)

	assert.NoError(t, mux.Handle(context.Background(), models.Job{Kind: models.KindHistorySync}))
	assert.Equal(t, models.KindHistorySync, got)

	assert.EqualError(t, mux.Handle(context.Background(), models.Job{Kind: models.KindEstimateSync}), "estimate upstream down")
	assert.ErrorContains(t, mux.Handle(context.Background(), models.Job{Kind: models.KindMetadataSync}), "no handler registered")
}
