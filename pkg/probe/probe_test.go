package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/sdmx-databuilder/internal/testutil"
	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

const (
	keyGood  = "Q..USA.S1..B1GQ"
	keyEmpty = "Q..USA.S1..P3"
	keyBad   = "Q..USA.S1..XX"
	keyPing  = "Q............"
)

func newTestProber(t *testing.T) (*Prober, *testutil.MockSDMX, *ratelimit.Governor) {
	t.Helper()
	mock := testutil.NewMockSDMX()
	t.Cleanup(mock.Close)

	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	governor, err := ratelimit.NewGovernor(context.Background(), ratelimit.Config{Clock: clock})
	require.NoError(t, err)

	cfg := client.DefaultConfig(governor, "test")
	cfg.Clock = clock
	cfg.Retry.MaxAttempts = 2
	c, err := client.New(cfg)
	require.NoError(t, err)

	p, err := New(Config{
		Client:   c,
		ProbeURL: mock.BaseURL() + keyPing + "?startPeriod=2024-Q1",
	})
	require.NoError(t, err)

	mock.SetSeries(keyGood, testutil.Series{"USA": {"2024-Q1": "1", "2023-Q4": "0.9"}})
	mock.SetSeries(keyEmpty, testutil.Series{"USA": {"2019-Q1": "1"}})
	mock.SetResponses(keyBad, testutil.NewBadRequestResponse())
	return p, mock, governor
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(Config{Client: stubGetter{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultProbeURL, p.cfg.ProbeURL)
	assert.Equal(t, client.FormatCSV, p.cfg.Format)
	assert.Equal(t, "2024-Q1..2024-Q1", p.cfg.Window.String())
}

func TestTestAPIConnection(t *testing.T) {
	p, mock, governor := newTestProber(t)

	mock.SetSeries(keyPing, testutil.Series{"USA": {"2024-Q1": "1"}})
	assert.True(t, p.TestAPIConnection(context.Background()))

	snap := governor.Snapshot()
	assert.Equal(t, 1, snap.QueriesInWindow)
	assert.Equal(t, 0, snap.DownloadsInWindow, "probes are query-class")

	mock.SetResponses(keyPing, testutil.NewServerErrorResponse())
	assert.False(t, p.TestAPIConnection(context.Background()))

	err := p.Ping(context.Background())
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	assert.Empty(t, ce.Column)
}

func TestTestRecipe_PerColumnReport(t *testing.T) {
	p, mock, _ := newTestProber(t)
	r := &recipe.Recipe{Name: "T", Columns: []recipe.Column{
		{Name: "gdp", Fragment: keyGood},
		{Name: "broken", Fragment: keyBad},
		{Name: "empty", Fragment: keyEmpty},
	}}

	got := p.TestRecipe(context.Background(), r, mock.BaseURL())
	assert.Equal(t, map[string]bool{"gdp": true, "broken": false, "empty": true}, got)

	// One request per column, each restricted to the single probe quarter.
	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	for _, req := range reqs {
		assert.Equal(t, "2024-Q1", req.Query.Get("startPeriod"))
		assert.Equal(t, "2024-Q1", req.Query.Get("endPeriod"))
	}
}

func TestCheck_StatusDetails(t *testing.T) {
	p, mock, _ := newTestProber(t)
	r := &recipe.Recipe{Name: "T", Columns: []recipe.Column{
		{Name: "broken", Fragment: keyBad},
		{Name: "empty", Fragment: keyEmpty},
	}}

	statuses, err := p.Check(context.Background(), r, mock.BaseURL())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	var ce *ConnectivityError
	require.True(t, errors.As(statuses[0].Err, &ce))
	assert.Equal(t, "broken", ce.Column)
	var fe *client.FetchError
	require.True(t, errors.As(statuses[0].Err, &fe))
	assert.Equal(t, 400, fe.StatusCode)

	assert.True(t, statuses[1].OK)
	assert.True(t, statuses[1].NoData)
}

func TestCheck_EmptyRecipe(t *testing.T) {
	p, mock, _ := newTestProber(t)
	_, err := p.Check(context.Background(), &recipe.Recipe{Name: "E"}, mock.BaseURL())
	assert.True(t, errors.Is(err, recipe.ErrConfig))
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestTestRecipe_Cancelled(t *testing.T) {
	p, mock, _ := newTestProber(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &recipe.Recipe{Name: "T", Columns: []recipe.Column{{Name: "gdp", Fragment: keyGood}}}
	assert.Equal(t, map[string]bool{"gdp": false}, p.TestRecipe(ctx, r, mock.BaseURL()))
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestCheckFragment_ValidatesRecipeUpdates(t *testing.T) {
	p, mock, _ := newTestProber(t)

	store, err := recipe.NewStore(recipe.StoreConfig{
		Path:                t.TempDir() + "/recipes.json",
		TransactionPosition: recipe.DefaultTransactionPosition,
		Validator:           p,
	})
	require.NoError(t, err)

	// The base URL without a trailing slash still yields a well-formed request.
	require.NoError(t, p.CheckFragment(context.Background(), mock.URL()+testutil.Dataflow[:len(testutil.Dataflow)-1], keyGood))

	err = store.UpdateFromURL(context.Background(), "T", map[string]string{
		"gdp":    mock.BaseURL() + keyGood + "?startPeriod=2020-Q1",
		"broken": mock.BaseURL() + keyBad,
	})
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "", ce.Column)

	_, err = store.Load("T")
	var nf *recipe.NotFoundError
	assert.True(t, errors.As(err, &nf), "failed update must not create the recipe")
}

type stubGetter struct{}

func (stubGetter) Get(context.Context, ratelimit.Kind, string, client.Format) (*client.Response, error) {
	return &client.Response{StatusCode: 200}, nil
}
