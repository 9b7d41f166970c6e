package storage_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory opens a fresh store for one test
type storeFactory func(t *testing.T) (storage.GraphStore, func())

var repoSeq int64 = 41

// nextRepo returns a repository id unused by earlier tests in this process
func nextRepo() string {
	return fmt.Sprint(atomic.AddInt64(&repoSeq, 1))
}

func object(repo, suffix, typ, name string, tags ...string) storage.ObjectRecord {
	return storage.ObjectRecord{
		ID:          repo + "-" + suffix,
		Type:        typ,
		Name:        name,
		ObjectName:  fmt.Sprintf(`{"en":%q}`, name),
		Description: name + " description",
		Properties:  `{"externalId":"` + suffix + `"}`,
		Metadata:    `{"updatedAt":"2024-01-01T00:00:00Z"}`,
		Tags:        tags,
	}
}

func relation(repo, id, from, to string) storage.RelationRecord {
	return storage.RelationRecord{
		ID:       repo + "-" + id,
		Type:     "ArchiMate:Serving",
		SourceID: repo + "-" + from,
		TargetID: repo + "-" + to,
	}
}

// load runs a full replace load the way the loader does
func load(t *testing.T, store storage.GraphStore, repo string, objects []storage.ObjectRecord,
	blocks []storage.DataBlockRecord, relations []storage.RelationRecord) int {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.UpsertRepository(ctx, models.Repository{ID: repo, Name: "Repo " + repo}))
	_, err := store.DeleteRepositoryGraph(ctx, repo)
	require.NoError(t, err)
	require.NoError(t, store.UpsertObjects(ctx, repo, objects))

	if len(blocks) > 0 {
		_, err := store.CreateDataBlocks(ctx, blocks)
		require.NoError(t, err)
	}

	var names []string
	var edges []storage.TagEdge
	seen := map[string]bool{}
	for _, obj := range objects {
		for _, tag := range obj.Tags {
			if !seen[tag] {
				seen[tag] = true
				names = append(names, tag)
			}
			edges = append(edges, storage.TagEdge{ObjectID: obj.ID, Tag: tag})
		}
	}
	if len(names) > 0 {
		require.NoError(t, store.CreateTags(ctx, names))
		require.NoError(t, store.AttachTags(ctx, edges))
	}

	created, err := store.CreateRelations(ctx, repo, relations)
	require.NoError(t, err)
	require.NoError(t, store.RefreshDerived(ctx, repo))
	return created
}

// loadChain loads A->B->C plus an isolated D
func loadChain(t *testing.T, store storage.GraphStore, repo string) {
	t.Helper()
	objects := []storage.ObjectRecord{
		object(repo, "A", "ArchiMate:ApplicationComponent", "Alpha", "core"),
		object(repo, "B", "ArchiMate:ApplicationService", "Beta", "core", "shared"),
		object(repo, "C", "ArchiMate:Node", "Gamma"),
		object(repo, "D", "ArchiMate:Node", ""),
	}
	blocks := []storage.DataBlockRecord{{
		ID:        repo + "-A:finance:cost",
		ObjectID:  repo + "-A",
		Namespace: "finance",
		Name:      "cost",
		Values:    `{"amount":10}`,
		UpdatedAt: "2024-01-02",
	}}
	relations := []storage.RelationRecord{
		relation(repo, "r1", "A", "B"),
		relation(repo, "r2", "B", "C"),
	}
	require.Equal(t, 2, load(t, store, repo, objects, blocks, relations))
}

// runStoreSuite exercises the GraphStore contract against one backend
func runStoreSuite(t *testing.T, open storeFactory) {
	t.Run("Centrality", func(t *testing.T) { testCentrality(t, open) })
	t.Run("Paths", func(t *testing.T) { testPaths(t, open) })
	t.Run("Search", func(t *testing.T) { testSearch(t, open) })
	t.Run("SearchLocalized", func(t *testing.T) { testSearchLocalized(t, open) })
	t.Run("ObjectDetail", func(t *testing.T) { testObjectDetail(t, open) })
	t.Run("ReplaceIdempotence", func(t *testing.T) { testReplaceIdempotence(t, open) })
	t.Run("OrphanCleanup", func(t *testing.T) { testOrphanCleanup(t, open) })
	t.Run("RelationEndpointGuard", func(t *testing.T) { testRelationGuard(t, open) })
	t.Run("GraphSample", func(t *testing.T) { testGraphSample(t, open) })
	t.Run("Neighbors", func(t *testing.T) { testNeighbors(t, open) })
	t.Run("NeighborsPerHopCap", func(t *testing.T) { testNeighborsPerHopCap(t, open) })
	t.Run("DataBlocks", func(t *testing.T) { testDataBlocks(t, open) })
	t.Run("MissingRepository", func(t *testing.T) { testMissingRepository(t, open) })
	t.Run("ConcurrentReads", func(t *testing.T) { testConcurrentReads(t, open) })
}

// =============================================================================
// Analysis
// =============================================================================

func testCentrality(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	degree, err := store.DegreeCentrality(ctx, repo)
	require.NoError(t, err)
	require.Len(t, degree, 4)
	assert.Equal(t, repo+"-B", degree[0].NodeID)
	assert.Equal(t, 2.0, degree[0].Score)
	assert.Equal(t, "Beta", degree[0].NodeName)
	assert.Equal(t, repo+"-A", degree[1].NodeID)
	assert.Equal(t, 1.0, degree[1].Score)
	assert.Equal(t, repo+"-C", degree[2].NodeID)
	assert.Equal(t, 1.0, degree[2].Score)
	assert.Equal(t, 0.0, degree[3].Score)

	weighted, err := store.WeightedDegree(ctx, repo)
	require.NoError(t, err)
	require.Len(t, weighted, 4)
	assert.Equal(t, repo+"-B", weighted[0].NodeID)
	assert.Equal(t, 2.5, weighted[0].Score)
	assert.Equal(t, repo+"-C", weighted[1].NodeID)
	assert.Equal(t, 1.5, weighted[1].Score)
	assert.Equal(t, repo+"-A", weighted[2].NodeID)
	assert.Equal(t, 1.0, weighted[2].Score)
}

func testPaths(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)
	a, b, c := repo+"-A", repo+"-B", repo+"-C"

	path, err := store.ShortestPath(ctx, repo, a, c, 5)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{a, b, c}, path.Path)
	assert.Equal(t, 2, path.Length)
	require.Len(t, path.Nodes, 3)
	assert.Equal(t, "Gamma", path.Nodes[2].Name)

	// edges are directed
	path, err = store.ShortestPath(ctx, repo, c, a, 5)
	require.NoError(t, err)
	assert.Nil(t, path)

	path, err = store.ShortestPath(ctx, repo, a, c, 1)
	require.NoError(t, err)
	assert.Nil(t, path)

	all, err := store.AllPaths(ctx, repo, a, c, 1, 50)
	require.NoError(t, err)
	assert.Empty(t, all)

	all, err = store.AllPaths(ctx, repo, a, c, 5, 50)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Length)

	// a direct edge after reload becomes the shortest path
	objects := []storage.ObjectRecord{
		object(repo, "A", "ArchiMate:Node", "Alpha"),
		object(repo, "B", "ArchiMate:Node", "Beta"),
		object(repo, "C", "ArchiMate:Node", "Gamma"),
	}
	load(t, store, repo, objects, nil, []storage.RelationRecord{
		relation(repo, "r1", "A", "B"),
		relation(repo, "r2", "B", "C"),
		relation(repo, "r3", "A", "C"),
	})

	path, err = store.ShortestPath(ctx, repo, a, c, 5)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, 1, path.Length)

	all, err = store.AllPaths(ctx, repo, a, c, 5, 50)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Length)
	assert.Equal(t, 2, all[1].Length)

	all, err = store.AllPaths(ctx, repo, a, c, 5, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// Objects
// =============================================================================

func testSearch(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()

	load(t, store, repo, []storage.ObjectRecord{
		object(repo, "1", "ArchiMate:Node", "foo bar"),
		object(repo, "2", "ArchiMate:Node", "baz"),
	}, nil, nil)

	page, err := store.ListObjects(ctx, repo, storage.ObjectQuery{Search: "foo"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "foo bar", page.Items[0].Name)
	assert.Equal(t, "1", page.Items[0].Properties["externalId"])

	page, err = store.ListObjects(ctx, repo, storage.ObjectQuery{Search: "FOO"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = store.ListObjects(ctx, repo, storage.ObjectQuery{Search: "%"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	page, err = store.ListObjects(ctx, repo, storage.ObjectQuery{PageSize: 1, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "foo bar", page.Items[0].Name)

	page, err = store.ListObjects(ctx, repo, storage.ObjectQuery{Type: "ArchiMate:Process"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Items)
}

func testSearchLocalized(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()

	ledger := object(repo, "3", "ArchiMate:DataObject", "Ledger")
	ledger.ObjectName = `{"en":"Ledger","de":"Hauptbuch"}`

	load(t, store, repo, []storage.ObjectRecord{
		object(repo, "1", "ArchiMate:Node", "Übersicht Zahlungsverkehr"),
		object(repo, "2", "ArchiMate:Node", "baz"),
		ledger,
	}, nil, nil)

	search := func(term string) []string {
		t.Helper()
		page, err := store.ListObjects(ctx, repo, storage.ObjectQuery{Search: term})
		require.NoError(t, err)
		require.Equal(t, page.Total, len(page.Items))
		names := []string{}
		for _, item := range page.Items {
			names = append(names, item.Name)
		}
		return names
	}

	// non-ASCII letters fold in either direction
	assert.Equal(t, []string{"Übersicht Zahlungsverkehr"}, search("übersicht"))
	assert.Equal(t, []string{"Übersicht Zahlungsverkehr"}, search("ÜBERSICHT"))
	assert.Equal(t, []string{"Übersicht Zahlungsverkehr"}, search("ZAHLUNGS"))

	// localized values match, their language keys and JSON punctuation do not
	assert.Equal(t, []string{"Ledger"}, search("hauptbuch"))
	assert.Empty(t, search("en"))
	assert.Empty(t, search(`":"`))

	// description is searched too
	assert.Equal(t, []string{"baz"}, search("BAZ DESC"))
}

func testObjectDetail(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	detail, err := store.GetObject(ctx, repo+"-B")
	require.NoError(t, err)
	assert.Equal(t, "Beta", detail.Name)
	assert.Equal(t, "ArchiMate", detail.Category)
	assert.Equal(t, "ApplicationService", detail.SubCategory)
	assert.Equal(t, 2, detail.RelationshipCount)
	assert.False(t, detail.IsHub)
	assert.False(t, detail.IsLeaf)
	assert.Equal(t, []string{"core", "shared"}, detail.Tags)
	require.Len(t, detail.Relationships.Outgoing, 1)
	assert.Equal(t, repo+"-C", detail.Relationships.Outgoing[0].ID)
	assert.Equal(t, "Gamma", detail.Relationships.Outgoing[0].Name)
	require.Len(t, detail.Relationships.Incoming, 1)
	assert.Equal(t, repo+"-A", detail.Relationships.Incoming[0].ID)
	assert.Empty(t, detail.DataBlocks)

	detail, err = store.GetObject(ctx, repo+"-D")
	require.NoError(t, err)
	assert.True(t, detail.IsLeaf)
	assert.Empty(t, detail.Tags)

	detail, err = store.GetObject(ctx, repo+"-A")
	require.NoError(t, err)
	require.Len(t, detail.DataBlocks, 1)
	assert.Equal(t, float64(10), detail.DataBlocks[0].Values["amount"])

	_, err = store.GetObject(ctx, repo+"-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// =============================================================================
// Replace load
// =============================================================================

func testReplaceIdempotence(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()

	loadChain(t, store, repo)
	first, err := store.Stats(ctx, repo)
	require.NoError(t, err)

	loadChain(t, store, repo)
	second, err := store.Stats(ctx, repo)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 4, second.TotalObjects)
	assert.Equal(t, 2, second.TotalRelationships)
	assert.Equal(t, 2, second.ObjectsByType["ArchiMate:Node"])
}

func testOrphanCleanup(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	result, err := store.DeleteRepositoryGraph(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Objects)
	assert.GreaterOrEqual(t, result.OrphanDataBlocks, int64(1))
	assert.GreaterOrEqual(t, result.OrphanTags, int64(2))

	_, err = store.GetDataBlock(ctx, repo+"-A:finance:cost")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := store.Stats(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalObjects)
	assert.Equal(t, 0, stats.TotalRelationships)
}

func testRelationGuard(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	other := nextRepo()

	load(t, store, other, []storage.ObjectRecord{object(other, "X", "ArchiMate:Node", "Elsewhere")}, nil, nil)

	created := load(t, store, repo, []storage.ObjectRecord{
		object(repo, "A", "ArchiMate:Node", "Alpha"),
		object(repo, "B", "ArchiMate:Node", "Beta"),
	}, nil, []storage.RelationRecord{
		relation(repo, "r1", "A", "B"),
		relation(repo, "r2", "A", "missing"),
		{ID: repo + "-r3", Type: "ArchiMate:Flow", SourceID: repo + "-A", TargetID: other + "-X"},
	})
	assert.Equal(t, 1, created)

	stats, err := store.Stats(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRelationships)
}

// =============================================================================
// Graph views
// =============================================================================

func testGraphSample(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	data, err := store.GraphSample(ctx, repo, 2, storage.GraphFilter{})
	require.NoError(t, err)
	require.Len(t, data.Nodes, 2)
	assert.Equal(t, repo+"-A", data.Nodes[0].ID)
	assert.Equal(t, "Alpha", data.Nodes[0].Label)
	assert.Equal(t, "ArchiMate", data.Nodes[0].Category)
	require.Len(t, data.Edges, 1)
	assert.Equal(t, repo+"-r1", data.Edges[0].ID)
	assert.Equal(t, "Alpha", data.Edges[0].FromName)
	assert.Equal(t, "Beta", data.Edges[0].ToName)
	assert.Equal(t, "ArchiMate:Serving", data.Edges[0].Label)

	data, err = store.GraphSample(ctx, repo, 0, storage.GraphFilter{Type: "ArchiMate:Node"})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 2)
	assert.Empty(t, data.Edges)

	// unnamed objects get a shortened id as display name
	for _, n := range data.Nodes {
		if n.ID == repo+"-D" {
			assert.Equal(t, models.FallbackDisplayName("", n.ID), n.Label)
		}
	}

	data, err = store.GraphSample(ctx, repo, 10, storage.GraphFilter{Search: "gam"})
	require.NoError(t, err)
	require.Len(t, data.Nodes, 1)
	assert.Equal(t, repo+"-C", data.Nodes[0].ID)
}

func testNeighbors(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	ids := func(data *models.GraphData) []string {
		var out []string
		for _, n := range data.Nodes {
			out = append(out, n.ID)
		}
		return out
	}

	data, err := store.Neighbors(ctx, repo, repo+"-B", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{repo + "-B", repo + "-A", repo + "-C"}, ids(data))
	assert.Len(t, data.Edges, 2)

	data, err = store.Neighbors(ctx, repo, repo+"-A", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{repo + "-A", repo + "-B"}, ids(data))

	data, err = store.Neighbors(ctx, repo, repo+"-A", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{repo + "-A", repo + "-B", repo + "-C"}, ids(data))
	assert.Len(t, data.Edges, 2)

	// depth is clamped to two hops
	data, err = store.Neighbors(ctx, repo, repo+"-A", 9, 50)
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 3)

	data, err = store.Neighbors(ctx, repo, repo+"-B", 1, 1)
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 2)
	assert.Len(t, data.Edges, 1)

	data, err = store.Neighbors(ctx, repo, repo+"-missing", 1, 50)
	require.NoError(t, err)
	assert.Empty(t, data.Nodes)
	assert.Empty(t, data.Edges)
}

func testNeighborsPerHopCap(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()

	objects := []storage.ObjectRecord{object(repo, "hub", "ArchiMate:Node", "Hub")}
	var relations []storage.RelationRecord
	for i := 0; i < storage.MaxNeighbors+10; i++ {
		leaf := fmt.Sprintf("leaf%02d", i)
		objects = append(objects, object(repo, leaf, "ArchiMate:Node", "Leaf "+leaf))
		relations = append(relations, relation(repo, "r"+leaf, "hub", leaf))
	}
	load(t, store, repo, objects, nil, relations)

	// a request above the cap is held to it
	data, err := store.Neighbors(ctx, repo, repo+"-hub", 1, storage.DefaultSampleLimit)
	require.NoError(t, err)
	assert.Len(t, data.Nodes, storage.MaxNeighbors+1)
	assert.Len(t, data.Edges, storage.MaxNeighbors)

	data, err = store.Neighbors(ctx, repo, repo+"-hub", 1, 5)
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 6)
}

// =============================================================================
// Data blocks
// =============================================================================

func testDataBlocks(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	written, err := store.CreateDataBlocks(ctx, []storage.DataBlockRecord{
		{ID: repo + "-B:ops:sla", ObjectID: repo + "-B", Namespace: "ops", Name: "sla", Values: `{"hours":24}`},
		{ID: repo + "-Z:ops:sla", ObjectID: repo + "-Z", Namespace: "ops", Name: "sla"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	blocks, err := store.ListDataBlocks(ctx, repo, storage.DataBlockFilter{})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "finance", blocks[0].Namespace)
	assert.Equal(t, "Alpha", blocks[0].ObjectName)

	blocks, err = store.ListDataBlocks(ctx, repo, storage.DataBlockFilter{Namespace: "ops"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, repo+"-B", blocks[0].ObjectID)

	block, err := store.GetDataBlock(ctx, repo+"-B:ops:sla")
	require.NoError(t, err)
	assert.Equal(t, float64(24), block.Values["hours"])
	assert.Equal(t, "ArchiMate:ApplicationService", block.ObjectType)

	blocks, err = store.DataBlocksByObject(ctx, repo+"-A")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "cost", blocks[0].Name)

	_, err = store.GetDataBlock(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// =============================================================================
// Graceful degradation
// =============================================================================

func testMissingRepository(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := "999999"

	page, err := store.ListObjects(ctx, repo, storage.ObjectQuery{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Items)

	stats, err := store.Stats(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalObjects)
	assert.Empty(t, stats.ObjectsByType)

	data, err := store.GraphSample(ctx, repo, 100, storage.GraphFilter{})
	require.NoError(t, err)
	assert.Empty(t, data.Nodes)

	degree, err := store.DegreeCentrality(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, degree)

	weighted, err := store.WeightedDegree(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, weighted)

	path, err := store.ShortestPath(ctx, repo, "a", "b", 0)
	require.NoError(t, err)
	assert.Nil(t, path)

	all, err := store.AllPaths(ctx, repo, "a", "b", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	blocks, err := store.ListDataBlocks(ctx, repo, storage.DataBlockFilter{})
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

// =============================================================================
// Concurrency
// =============================================================================

func testConcurrentReads(t *testing.T, open storeFactory) {
	store, cleanup := open(t)
	defer cleanup()
	ctx := context.Background()
	repo := nextRepo()
	loadChain(t, store, repo)

	var wg sync.WaitGroup
	errs := make(chan error, 60)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Stats(ctx, repo); err != nil {
				errs <- err
			}
			if _, err := store.ShortestPath(ctx, repo, repo+"-A", repo+"-C", 5); err != nil {
				errs <- err
			}
			if _, err := store.ListObjects(ctx, repo, storage.ObjectQuery{}); err != nil {
				errs <- err
			}
		}()
	}

	// a concurrent reload must not fail readers
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := store.RefreshDerived(ctx, repo); err != nil {
			errs <- err
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent operation error: %v", err)
	}
}

// =============================================================================
// Factory
// =============================================================================

func TestNewStore_Unknown(t *testing.T) {
	_, err := storage.NewStore("jsonfile", nil)
	assert.ErrorIs(t, err, storage.ErrUnknownStore)
}

func TestListStores(t *testing.T) {
	assert.Equal(t, []string{"neo4j", "sqlite"}, storage.ListStores())
}

func TestClamps(t *testing.T) {
	assert.Equal(t, 1, storage.ClampDepth(0))
	assert.Equal(t, 2, storage.ClampDepth(5))
	assert.Equal(t, storage.DefaultSampleLimit, storage.ClampSample(0))
	assert.Equal(t, storage.MaxSampleLimit, storage.ClampSample(5000))
	assert.Equal(t, 20, storage.ClampSample(20))
	assert.Equal(t, storage.DefaultNeighbors, storage.ClampNeighbors(-1))
	assert.Equal(t, storage.MaxNeighbors, storage.ClampNeighbors(500))
	assert.Equal(t, 7, storage.ClampNeighbors(7))

	q := storage.ObjectQuery{Page: -2, PageSize: 5000}.Normalize()
	assert.Equal(t, 0, q.Page)
	assert.Equal(t, storage.MaxPageSize, q.PageSize)
	assert.Equal(t, storage.DefaultPageSize, storage.ObjectQuery{}.Normalize().PageSize)
}
