package service

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/jobstore"
	"github.com/cnk113/cacoa/internal/sparse"
)

type mapRegistry map[string]*dataset.Source

func (m mapRegistry) Get(id string) *dataset.Source { return m[id] }

// toyDataset has 4 genes × 6 cells in three samples; "a" and "b" are reference.
func toyDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	rows := [][]float64{
		{1, 3, 2, 2, 10, 10},
		{1, 3, 5, 7, 4, 4},
		{0, 2, 4, 4, 9, 9},
		{0, 0, 0, 0, 5, 0},
	}
	var ts []sparse.Triplet
	for g, row := range rows {
		for c, v := range row {
			if v != 0 {
				ts = append(ts, sparse.Triplet{Row: g, Col: c, Val: v})
			}
		}
	}
	counts, err := sparse.FromTriplets(4, 6, ts)
	require.NoError(t, err)

	nb := clusterfree.Neighborhoods{Cells: make([][]int, 6), Names: []string{"n0", "n1", "n2", "n3", "n4", "n5"}}
	for i := range nb.Cells {
		nb.Cells[i] = []int{0, 1, 2, 3, 4, 5}
	}
	ds, err := dataset.New("toy", counts, []string{"a", "a", "b", "b", "c", "c"}, []string{"a", "b"}, nb)
	require.NoError(t, err)
	return ds
}

func newTestService(t *testing.T) *ScoreService {
	t.Helper()
	one, minZ, robust := 1, 0.01, false
	defaults := config.ScoringConfig{
		Workers:                2,
		MinSamplesPerCondition: &one,
		MinObsPerSample:        &one,
		Robust:                 &robust,
		MinZ:                   &minZ,
		MinBetween:             &one,
		MinWithin:              &one,
		Metric:                 "cosine",
	}
	reg := mapRegistry{"toy": dataset.StaticSource(toyDataset(t))}
	return NewScoreService(reg, defaults, nil)
}

func submit(t *testing.T, store *jobstore.Store, id string, p jobstore.JobParams) {
	t.Helper()
	require.NoError(t, store.CreateJob(&jobstore.Job{ID: id, DatasetID: p.DatasetID, Kind: p.Kind, Status: jobstore.JobStatusQueued, Params: p}))
}

func TestExecuteJob_ZScore(t *testing.T) {
	svc := newTestService(t)
	store := jobstore.NewStore()
	submit(t, store, "z1", jobstore.JobParams{DatasetID: "toy", Kind: jobstore.KindZScore})

	require.NoError(t, svc.ExecuteJob(context.Background(), store, "z1"))

	res := store.GetResult("z1")
	require.NotNil(t, res)
	require.NotNil(t, res.ZScores)
	assert.Nil(t, res.Shifts)
	assert.InDelta(t, (9-2.5)/math.Sqrt(4.5), res.ZScores.At(2, 4), 1e-12)
	assert.True(t, math.IsNaN(res.ZScores.At(0, 4)))

	job := store.GetJob("z1")
	assert.Equal(t, 12, job.NNZ)
	assert.Equal(t, jobstore.JobProgress{Phase: "done", Done: 6, Total: 6}, job.Progress)
}

func TestExecuteJob_Shift(t *testing.T) {
	svc := newTestService(t)
	store := jobstore.NewStore()
	submit(t, store, "s1", jobstore.JobParams{DatasetID: "toy", Kind: jobstore.KindShift, Metric: "js"})

	require.NoError(t, svc.ExecuteJob(context.Background(), store, "s1"))

	res := store.GetResult("s1")
	require.NotNil(t, res.Shifts)
	assert.Len(t, res.Shifts.Scores, 6)
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4", "n5"}, res.Shifts.Names)
	// Every neighborhood is the whole dataset, so all scores agree.
	for _, v := range res.Shifts.Scores[1:] {
		assert.Equal(t, res.Shifts.Scores[0], v)
	}
	assert.False(t, math.IsNaN(res.Shifts.Scores[0]))
}

func TestExecuteJob_Errors(t *testing.T) {
	svc := newTestService(t)
	store := jobstore.NewStore()

	assert.Error(t, svc.ExecuteJob(context.Background(), store, "missing"))

	submit(t, store, "bad", jobstore.JobParams{DatasetID: "nope", Kind: jobstore.KindShift})
	assert.Error(t, svc.ExecuteJob(context.Background(), store, "bad"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	submit(t, store, "cancelled", jobstore.JobParams{DatasetID: "toy", Kind: jobstore.KindZScore})
	assert.ErrorIs(t, svc.ExecuteJob(ctx, store, "cancelled"), context.Canceled)
	assert.Nil(t, store.GetResult("cancelled"))
}

func TestValidateParams(t *testing.T) {
	svc := newTestService(t)
	neg := -1

	assert.NoError(t, svc.ValidateParams(jobstore.JobParams{DatasetID: "toy", Kind: jobstore.KindZScore}))
	assert.NoError(t, svc.ValidateParams(jobstore.JobParams{DatasetID: "toy", Kind: jobstore.KindShift, Metric: "cor"}))

	for name, p := range map[string]jobstore.JobParams{
		"dataset":   {DatasetID: "nope", Kind: jobstore.KindZScore},
		"kind":      {DatasetID: "toy", Kind: "umap"},
		"metric":    {DatasetID: "toy", Kind: jobstore.KindShift, Metric: "euclidean"},
		"threshold": {DatasetID: "toy", Kind: jobstore.KindZScore, MinObsPerSample: &neg},
	} {
		assert.ErrorIsf(t, svc.ValidateParams(p), ErrBadParams, "case %s", name)
	}
}

func TestOptionsMerge(t *testing.T) {
	svc := newTestService(t)
	robust := true
	minZ := 1.5
	normAll := true

	zo, err := svc.ZScoreOptions(jobstore.JobParams{Robust: &robust, MinZ: &minZ})
	require.NoError(t, err)
	assert.True(t, zo.Robust)
	assert.Equal(t, 1.5, zo.MinZ)
	assert.Equal(t, 1, zo.MinSamplesPerCondition)
	assert.Equal(t, 2, zo.Workers)

	so, err := svc.ShiftOptions(jobstore.JobParams{NormAll: &normAll})
	require.NoError(t, err)
	assert.True(t, so.NormAll)
	assert.Equal(t, clusterfree.MetricCosine, so.Metric)
	assert.False(t, so.LogVecs)
}

func TestOptionsKeepZeroDefaults(t *testing.T) {
	zero, minZ := 0, 0.0
	svc := NewScoreService(mapRegistry{}, config.ScoringConfig{
		MinSamplesPerCondition: &zero,
		MinObsPerSample:        &zero,
		MinZ:                   &minZ,
		MinBetween:             &zero,
		MinWithin:              &zero,
	}, nil)

	zo, err := svc.ZScoreOptions(jobstore.JobParams{})
	require.NoError(t, err)
	assert.Equal(t, 0, zo.MinSamplesPerCondition)
	assert.Equal(t, 0, zo.MinObsPerSample)
	assert.Equal(t, 0.0, zo.MinZ)
	assert.True(t, zo.Robust, "unset robust keeps the library default")

	so, err := svc.ShiftOptions(jobstore.JobParams{})
	require.NoError(t, err)
	assert.Equal(t, 0, so.MinBetween)
	assert.Equal(t, 0, so.MinWithin)
	assert.Equal(t, 0, so.MinObsPerSample)
	assert.Equal(t, clusterfree.MetricCosine, so.Metric, "no configured metric falls back to cosine")
}
