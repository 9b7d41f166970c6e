package storage

import (
	"context"
	"fmt"

	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"
)

// Neo4jConfig holds connection settings for a Neo4j server
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jStore implements GraphStore on a Neo4j database
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	config Neo4jConfig
}

// NewNeo4jStore connects, verifies connectivity and applies constraints
func NewNeo4jStore(config Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(config.URI,
		neo4j.BasicAuth(config.Username, config.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	store := &Neo4jStore{driver: driver, config: config}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return store, nil
}

var neo4jMigrations = []string{
	`CREATE CONSTRAINT repository_id IF NOT EXISTS FOR (r:Repository) REQUIRE r.id IS UNIQUE`,
	`CREATE CONSTRAINT object_id IF NOT EXISTS FOR (o:Object) REQUIRE o.id IS UNIQUE`,
	`CREATE CONSTRAINT datablock_id IF NOT EXISTS FOR (d:DataBlock) REQUIRE d.id IS UNIQUE`,
	`CREATE CONSTRAINT tag_name IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE`,
	`CREATE INDEX object_type IF NOT EXISTS FOR (o:Object) ON (o.type)`,
	`CREATE INDEX object_name IF NOT EXISTS FOR (o:Object) ON (o.name)`,
}

// Migrate creates the constraints and indexes the loader relies on
func (s *Neo4jStore) Migrate(ctx context.Context) error {
	for _, stmt := range neo4jMigrations {
		if _, err := s.query(ctx, stmt, nil, false); err != nil {
			return fmt.Errorf("failed to apply migration %q: %w", stmt, err)
		}
	}
	return nil
}

// Info returns store information
func (s *Neo4jStore) Info() StoreInfo {
	return StoreInfo{
		Type:    "neo4j",
		Version: "5",
		Target:  s.config.URI,
	}
}

// Ping checks the server connection
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close closes the driver
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// query runs one auto-committed statement and returns its records
func (s *Neo4jStore) query(ctx context.Context, cypher string, params map[string]any, read bool) ([]*neo4j.Record, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(s.config.Database)}
	if read {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

// write runs fn in one managed write transaction
func (s *Neo4jStore) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.config.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func recordString(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprint(val)
}

func recordInt(record *neo4j.Record, key string) int {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func recordFloat(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func recordBool(record *neo4j.Record, key string) bool {
	val, _ := record.Get(key)
	b, _ := val.(bool)
	return b
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// ============================================================================
// GraphWriter
// ============================================================================

// UpsertRepository merges a repository node
func (s *Neo4jStore) UpsertRepository(ctx context.Context, repo models.Repository) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			MERGE (r:Repository {id: $id})
			SET r.name = $name, r.description = $description, r.version = $version, r.updatedAt = datetime()
		`, map[string]any{
			"id":          repo.ID,
			"name":        repo.Name,
			"description": repo.Description,
			"version":     repo.Version,
		})
		return err
	})
}

// DeleteRepositoryGraph removes the repository graph in four ordered steps
func (s *Neo4jStore) DeleteRepositoryGraph(ctx context.Context, repoID string) (*DeleteResult, error) {
	result := &DeleteResult{}
	steps := []struct {
		query string
		count *int64
	}{
		{`MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object) DETACH DELETE o`, &result.Objects},
		{`MATCH (o:Object) WHERE NOT (o)<-[:CONTAINS]-(:Repository) DETACH DELETE o`, &result.OrphanObjects},
		{`MATCH (d:DataBlock) WHERE NOT (d)<-[:HAS_DATABLOCK]-(:Object) DETACH DELETE d`, &result.OrphanDataBlocks},
		{`MATCH (t:Tag) WHERE NOT (t)<-[:HAS_TAG]-(:Object) DETACH DELETE t`, &result.OrphanTags},
	}

	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		for _, step := range steps {
			res, err := tx.Run(ctx, step.query, map[string]any{"repositoryId": repoID})
			if err != nil {
				return err
			}
			summary, err := res.Consume(ctx)
			if err != nil {
				return err
			}
			*step.count = int64(summary.Counters().NodesDeleted())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete repository graph: %w", err)
	}
	return result, nil
}

// UpsertObjects merges a batch of objects and their containment edges
func (s *Neo4jStore) UpsertObjects(ctx context.Context, repoID string, batch []ObjectRecord) error {
	rows := make([]any, len(batch))
	for i, obj := range batch {
		rows[i] = map[string]any{
			"id":          obj.ID,
			"type":        obj.Type,
			"name":        obj.Name,
			"objectName":  obj.ObjectName,
			"description": obj.Description,
			"searchName":  obj.SearchName(),
			"searchDesc":  obj.SearchDescription(),
			"properties":  jsonOrEmpty(obj.Properties),
			"metadata":    jsonOrEmpty(obj.Metadata),
		}
	}

	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			MATCH (r:Repository {id: $repositoryId})
			UNWIND $objects AS obj
			MERGE (o:Object {id: obj.id})
			SET o.type = obj.type,
			    o.name = obj.name,
			    o.objectName = obj.objectName,
			    o.description = obj.description,
			    o.searchName = obj.searchName,
			    o.searchDescription = obj.searchDesc,
			    o.properties = obj.properties,
			    o.metadata = obj.metadata,
			    o.updatedAt = datetime()
			MERGE (r)-[:CONTAINS]->(o)
		`, map[string]any{"repositoryId": repoID, "objects": rows})
		return err
	})
}

// CreateDataBlocks merges data blocks whose owner exists
func (s *Neo4jStore) CreateDataBlocks(ctx context.Context, batch []DataBlockRecord) (int, error) {
	rows := make([]any, len(batch))
	for i, db := range batch {
		rows[i] = map[string]any{
			"id":        db.ID,
			"objectId":  db.ObjectID,
			"namespace": db.Namespace,
			"name":      db.Name,
			"values":    jsonOrEmpty(db.Values),
			"updatedAt": db.UpdatedAt,
		}
	}

	written := 0
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
			UNWIND $dataBlocks AS db
			MATCH (o:Object {id: db.objectId})
			MERGE (d:DataBlock {id: db.id})
			SET d.objectId = db.objectId,
			    d.namespace = db.namespace,
			    d.name = db.name,
			    d.values = db.values,
			    d.updatedAt = db.updatedAt
			MERGE (o)-[:HAS_DATABLOCK]->(d)
			RETURN count(d) AS written
		`, map[string]any{"dataBlocks": rows})
		if err != nil {
			return err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return err
		}
		written = recordInt(record, "written")
		return nil
	})
	return written, err
}

// CreateTags merges the distinct tag names
func (s *Neo4jStore) CreateTags(ctx context.Context, names []string) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `UNWIND $tags AS name MERGE (:Tag {name: name})`,
			map[string]any{"tags": names})
		return err
	})
}

// AttachTags links objects to existing tags
func (s *Neo4jStore) AttachTags(ctx context.Context, batch []TagEdge) error {
	rows := make([]any, len(batch))
	for i, edge := range batch {
		rows[i] = map[string]any{"objectId": edge.ObjectID, "tag": edge.Tag}
	}

	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			UNWIND $edges AS edge
			MATCH (o:Object {id: edge.objectId})
			MATCH (t:Tag {name: edge.tag})
			MERGE (o)-[:HAS_TAG]->(t)
		`, map[string]any{"edges": rows})
		return err
	})
}

// CreateRelations creates edges between objects contained in the repository
func (s *Neo4jStore) CreateRelations(ctx context.Context, repoID string, batch []RelationRecord) (int, error) {
	rows := make([]any, len(batch))
	for i, rel := range batch {
		rows[i] = map[string]any{
			"id":         rel.ID,
			"type":       rel.Type,
			"sourceId":   rel.SourceID,
			"targetId":   rel.TargetID,
			"properties": jsonOrEmpty(rel.Properties),
			"metadata":   jsonOrEmpty(rel.Metadata),
		}
	}

	created := 0
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
			MATCH (r:Repository {id: $repositoryId})
			UNWIND $relations AS rel
			MATCH (r)-[:CONTAINS]->(source:Object {id: rel.sourceId})
			MATCH (r)-[:CONTAINS]->(target:Object {id: rel.targetId})
			CREATE (source)-[e:RELATES_TO {id: rel.id}]->(target)
			SET e.type = rel.type, e.properties = rel.properties, e.metadata = rel.metadata
		`, map[string]any{"repositoryId": repoID, "relations": rows})
		if err != nil {
			return err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return err
		}
		created = summary.Counters().RelationshipsCreated()
		return nil
	})
	return created, err
}

// RefreshDerived recomputes derived object and edge fields for a repository
func (s *Neo4jStore) RefreshDerived(ctx context.Context, repoID string) error {
	records, err := s.query(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
		RETURN o.id AS id, o.type AS type, o.name AS name
	`, map[string]any{"repositoryId": repoID}, true)
	if err != nil {
		return fmt.Errorf("failed to read objects: %w", err)
	}

	rows := make([]any, len(records))
	for i, record := range records {
		id := recordString(record, "id")
		category, sub := models.SplitType(recordString(record, "type"))
		rows[i] = map[string]any{
			"id":          id,
			"category":    category,
			"subCategory": sub,
			"displayName": models.FallbackDisplayName(recordString(record, "name"), id),
		}
	}

	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		params := map[string]any{"repositoryId": repoID, "rows": rows, "hub": HubThreshold}

		statements := []string{
			`UNWIND $rows AS row
			 MATCH (o:Object {id: row.id})
			 SET o.category = row.category, o.subCategory = row.subCategory, o.displayName = row.displayName`,
			`MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
			 OPTIONAL MATCH (o)-[out:RELATES_TO]->(:Object)
			 WITH o, count(DISTINCT out) AS outgoing
			 OPTIONAL MATCH (:Object)-[inc:RELATES_TO]->(o)
			 WITH o, outgoing, count(DISTINCT inc) AS incoming
			 SET o.outgoingCount = outgoing,
			     o.incomingCount = incoming,
			     o.relationshipCount = outgoing + incoming,
			     o.isHub = outgoing + incoming > $hub,
			     o.isLeaf = outgoing + incoming = 0`,
			`MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(s:Object)-[e:RELATES_TO]->(t:Object)
			 SET e.fromName = coalesce(s.displayName, s.name, s.id),
			     e.toName = coalesce(t.displayName, t.name, t.id)`,
		}
		for _, stmt := range statements {
			if _, err := tx.Run(ctx, stmt, params); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// GraphReader
// ============================================================================

const cypherLabel = `coalesce(o.displayName, o.name, o.objectName, o.id)`

// cypherObjectFilter mirrors objectFilter for Cypher
func cypherObjectFilter(typ, search string, withDescription bool, params map[string]any) string {
	where := ""
	add := func(cond string) {
		if where == "" {
			where = "WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}
	if typ != "" {
		add(`o.type = $type`)
		params["type"] = typ
	}
	if search != "" {
		cond := `(coalesce(o.searchName, '') CONTAINS $search`
		if withDescription {
			cond += ` OR coalesce(o.searchDescription, '') CONTAINS $search`
		}
		add(cond + `)`)
		params["search"] = SearchTerm(search)
	}
	return where
}

// Repositories lists the loaded repositories
func (s *Neo4jStore) Repositories(ctx context.Context) ([]models.Repository, error) {
	records, err := s.query(ctx, `
		MATCH (r:Repository)
		RETURN r.id AS id, r.name AS name, r.description AS description, r.version AS version
		ORDER BY r.id
	`, nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	repos := make([]models.Repository, 0, len(records))
	for _, record := range records {
		repos = append(repos, models.Repository{
			ID:          recordString(record, "id"),
			Name:        recordString(record, "name"),
			Description: recordString(record, "description"),
			Version:     recordString(record, "version"),
		})
	}
	return repos, nil
}

// ListObjects returns one page of objects plus the total matching count
func (s *Neo4jStore) ListObjects(ctx context.Context, repoID string, q ObjectQuery) (*models.ObjectPage, error) {
	q = q.Normalize()
	params := map[string]any{
		"repositoryId": repoID,
		"skip":         q.Page * q.PageSize,
		"limit":        q.PageSize,
	}
	where := cypherObjectFilter(q.Type, q.Search, true, params)
	match := `MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object) ` + where

	page := &models.ObjectPage{Items: []models.ObjectSummary{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		records, err := s.query(gctx, match+`
			RETURN o.id AS id, o.type AS type, o.name AS name, o.objectName AS objectName,
			       o.description AS description, o.properties AS properties, o.metadata AS metadata
			ORDER BY o.name, o.id
			SKIP $skip LIMIT $limit
		`, params, true)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, record := range records {
			page.Items = append(page.Items, models.ObjectSummary{
				ID:          recordString(record, "id"),
				Type:        recordString(record, "type"),
				Name:        recordString(record, "name"),
				ObjectName:  recordString(record, "objectName"),
				Description: recordString(record, "description"),
				Properties:  decodeMap(recordString(record, "properties")),
				Metadata:    decodeMap(recordString(record, "metadata")),
			})
		}
		return nil
	})

	g.Go(func() error {
		records, err := s.query(gctx, match+` RETURN count(o) AS total`, params, true)
		if err != nil {
			return fmt.Errorf("failed to count objects: %w", err)
		}
		if len(records) > 0 {
			page.Total = recordInt(records[0], "total")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// GetObject returns an object with its tags, relations and data blocks
func (s *Neo4jStore) GetObject(ctx context.Context, id string) (*models.ObjectDetail, error) {
	params := map[string]any{"id": id}
	records, err := s.query(ctx, `
		MATCH (o:Object {id: $id})
		RETURN o.id AS id, o.type AS type, o.name AS name, o.objectName AS objectName,
		       o.description AS description, o.properties AS properties, o.metadata AS metadata,
		       o.category AS category, o.subCategory AS subCategory,
		       o.relationshipCount AS relationshipCount, o.isHub AS isHub, o.isLeaf AS isLeaf
	`, params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query object: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	record := records[0]
	detail := &models.ObjectDetail{
		ObjectSummary: models.ObjectSummary{
			ID:          recordString(record, "id"),
			Type:        recordString(record, "type"),
			Name:        recordString(record, "name"),
			ObjectName:  recordString(record, "objectName"),
			Description: recordString(record, "description"),
			Properties:  decodeMap(recordString(record, "properties")),
			Metadata:    decodeMap(recordString(record, "metadata")),
		},
		Category:          recordString(record, "category"),
		SubCategory:       recordString(record, "subCategory"),
		RelationshipCount: recordInt(record, "relationshipCount"),
		IsHub:             recordBool(record, "isHub"),
		IsLeaf:            recordBool(record, "isLeaf"),
		Tags:              []string{},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		records, err := s.query(gctx,
			`MATCH (:Object {id: $id})-[:HAS_TAG]->(t:Tag) RETURN t.name AS name ORDER BY name`, params, true)
		if err != nil {
			return err
		}
		for _, r := range records {
			detail.Tags = append(detail.Tags, recordString(r, "name"))
		}
		return nil
	})

	refs := func(cypher string, dst *[]models.RelationRef) func() error {
		return func() error {
			records, err := s.query(gctx, cypher, params, true)
			if err != nil {
				return err
			}
			*dst = []models.RelationRef{}
			for _, r := range records {
				*dst = append(*dst, models.RelationRef{
					ID:   recordString(r, "id"),
					Name: recordString(r, "name"),
					Type: recordString(r, "type"),
				})
			}
			return nil
		}
	}

	g.Go(refs(`
		MATCH (:Object {id: $id})-[e:RELATES_TO]->(p:Object)
		RETURN p.id AS id, coalesce(p.displayName, p.name, p.id) AS name, e.type AS type
		ORDER BY e.id
	`, &detail.Relationships.Outgoing))

	g.Go(refs(`
		MATCH (p:Object)-[e:RELATES_TO]->(:Object {id: $id})
		RETURN p.id AS id, coalesce(p.displayName, p.name, p.id) AS name, e.type AS type
		ORDER BY e.id
	`, &detail.Relationships.Incoming))

	g.Go(func() (err error) {
		detail.DataBlocks, err = s.queryDataBlocks(gctx,
			`MATCH (o:Object {id: $id})-[:HAS_DATABLOCK]->(d:DataBlock)`, params)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load object %s: %w", id, err)
	}
	return detail, nil
}

// Stats counts objects, relations and objects per type for a repository
func (s *Neo4jStore) Stats(ctx context.Context, repoID string) (*models.Stats, error) {
	params := map[string]any{"repositoryId": repoID}
	stats := &models.Stats{ObjectsByType: make(map[string]int)}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		records, err := s.query(gctx,
			`MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object) RETURN count(o) AS total`,
			params, true)
		if err == nil && len(records) > 0 {
			stats.TotalObjects = recordInt(records[0], "total")
		}
		return err
	})

	g.Go(func() error {
		records, err := s.query(gctx, `
			MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(:Object)-[e:RELATES_TO]->(:Object)
			RETURN count(e) AS total
		`, params, true)
		if err == nil && len(records) > 0 {
			stats.TotalRelationships = recordInt(records[0], "total")
		}
		return err
	})

	g.Go(func() error {
		records, err := s.query(gctx, `
			MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
			RETURN o.type AS type, count(o) AS count
		`, params, true)
		for _, r := range records {
			stats.ObjectsByType[recordString(r, "type")] = recordInt(r, "count")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return stats, nil
}

func nodesFromRecords(records []*neo4j.Record) []models.GraphNode {
	nodes := make([]models.GraphNode, 0, len(records))
	for _, r := range records {
		nodes = append(nodes, models.GraphNode{
			ID:          recordString(r, "id"),
			Label:       recordString(r, "label"),
			Type:        recordString(r, "type"),
			Category:    recordString(r, "category"),
			SubCategory: recordString(r, "subCategory"),
		})
	}
	return nodes
}

func edgesFromRecords(records []*neo4j.Record) []models.GraphEdge {
	edges := make([]models.GraphEdge, 0, len(records))
	for _, r := range records {
		e := models.GraphEdge{
			ID:       recordString(r, "id"),
			From:     recordString(r, "from"),
			To:       recordString(r, "to"),
			Type:     recordString(r, "type"),
			FromName: recordString(r, "fromName"),
			ToName:   recordString(r, "toName"),
		}
		e.Label = e.Type
		if e.Type == "" {
			e.Type = "RELATES_TO"
		}
		edges = append(edges, e)
	}
	return edges
}

const cypherNodeReturn = `RETURN o.id AS id, ` + cypherLabel + ` AS label, o.type AS type,
	o.category AS category, o.subCategory AS subCategory`

const cypherEdgeReturn = `RETURN e.id AS id, s.id AS from, t.id AS to, e.type AS type,
	coalesce(e.fromName, s.displayName, s.name, s.id) AS fromName,
	coalesce(e.toName, t.displayName, t.name, t.id) AS toName`

// GraphSample returns up to limit matching nodes and the edges among them
func (s *Neo4jStore) GraphSample(ctx context.Context, repoID string, limit int, filter GraphFilter) (*models.GraphData, error) {
	params := map[string]any{"repositoryId": repoID, "limit": ClampSample(limit)}
	where := cypherObjectFilter(filter.Type, filter.Search, false, params)

	records, err := s.query(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object) `+where+`
		WITH o ORDER BY o.id LIMIT $limit
		`+cypherNodeReturn, params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to sample nodes: %w", err)
	}

	data := &models.GraphData{Nodes: nodesFromRecords(records), Edges: []models.GraphEdge{}}
	if len(data.Nodes) == 0 {
		return data, nil
	}

	ids := make([]string, len(data.Nodes))
	for i, n := range data.Nodes {
		ids[i] = n.ID
	}
	records, err = s.query(ctx, `
		MATCH (s:Object)-[e:RELATES_TO]->(t:Object)
		WHERE s.id IN $nodeIds AND t.id IN $nodeIds
		WITH e, s, t ORDER BY e.id LIMIT $limit
		`+cypherEdgeReturn, map[string]any{"nodeIds": ids, "limit": MaxSampleEdges}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to sample edges: %w", err)
	}
	data.Edges = edgesFromRecords(records)
	return data, nil
}

func (s *Neo4jStore) incidentEdges(ctx context.Context, repoID string, ids []string) ([]models.GraphEdge, error) {
	records, err := s.query(ctx, `
		MATCH (r:Repository {id: $repositoryId})-[:CONTAINS]->(s:Object)-[e:RELATES_TO]->(t:Object)<-[:CONTAINS]-(r)
		WHERE s.id IN $ids OR t.id IN $ids
		WITH e, s, t ORDER BY e.id, s.id, t.id
		`+cypherEdgeReturn, map[string]any{"repositoryId": repoID, "ids": ids}, true)
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(records), nil
}

// Neighbors returns the center node plus a bounded one or two hop expansion.
// Each hop keeps at most maxNeighbors nodes and edges.
func (s *Neo4jStore) Neighbors(ctx context.Context, repoID, nodeID string, depth, maxNeighbors int) (*models.GraphData, error) {
	depth = ClampDepth(depth)
	maxNeighbors = ClampNeighbors(maxNeighbors)
	data := &models.GraphData{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}

	edges, err := s.incidentEdges(ctx, repoID, []string{nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to expand node: %w", err)
	}
	included := map[string]bool{nodeID: true}
	hop1, hop1Edges := expand(edges, map[string]bool{nodeID: true}, included, maxNeighbors)
	order := append([]string{nodeID}, hop1...)
	data.Edges = append(data.Edges, hop1Edges...)

	if depth > 1 && len(hop1) > 0 {
		frontier := make(map[string]bool, len(hop1))
		for _, id := range hop1 {
			frontier[id] = true
			included[id] = true
		}
		edges, err := s.incidentEdges(ctx, repoID, hop1)
		if err != nil {
			return nil, fmt.Errorf("failed to expand second hop: %w", err)
		}
		hop2, hop2Edges := expand(edges, frontier, included, maxNeighbors)
		order = append(order, hop2...)
		data.Edges = append(data.Edges, hop2Edges...)
	}

	records, err := s.query(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
		WHERE o.id IN $ids
		`+cypherNodeReturn, map[string]any{"repositoryId": repoID, "ids": order}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbors: %w", err)
	}

	byID := make(map[string]models.GraphNode, len(records))
	for _, n := range nodesFromRecords(records) {
		byID[n.ID] = n
	}
	if _, ok := byID[nodeID]; !ok {
		return &models.GraphData{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}, nil
	}
	for _, id := range order {
		if n, ok := byID[id]; ok {
			data.Nodes = append(data.Nodes, n)
		}
	}
	return data, nil
}

func (s *Neo4jStore) centrality(ctx context.Context, cypher, repoID string) ([]models.CentralityResult, error) {
	records, err := s.query(ctx, cypher, map[string]any{
		"repositoryId": repoID,
		"limit":        CentralityLimit,
		"weight":       IncomingDegreeWeight,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compute centrality: %w", err)
	}

	results := make([]models.CentralityResult, 0, len(records))
	for _, r := range records {
		results = append(results, models.CentralityResult{
			NodeID:   recordString(r, "nodeId"),
			NodeName: recordString(r, "nodeName"),
			NodeType: recordString(r, "nodeType"),
			Score:    recordFloat(r, "score"),
		})
	}
	return results, nil
}

// DegreeCentrality ranks objects by incident relation count
func (s *Neo4jStore) DegreeCentrality(ctx context.Context, repoID string) ([]models.CentralityResult, error) {
	return s.centrality(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
		OPTIONAL MATCH (o)-[out:RELATES_TO]->(:Object)
		WITH o, count(DISTINCT out) AS outgoing
		OPTIONAL MATCH (:Object)-[inc:RELATES_TO]->(o)
		WITH o, outgoing + count(DISTINCT inc) AS degree
		RETURN o.id AS nodeId, `+cypherLabel+` AS nodeName, o.type AS nodeType, degree AS score
		ORDER BY degree DESC, o.id ASC
		LIMIT $limit
	`, repoID)
}

// WeightedDegree ranks objects by distinct predecessors*1.5 + distinct successors
func (s *Neo4jStore) WeightedDegree(ctx context.Context, repoID string) ([]models.CentralityResult, error) {
	return s.centrality(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)
		OPTIONAL MATCH (o)-[:RELATES_TO]->(successor:Object)
		WITH o, count(DISTINCT successor) AS outDegree
		OPTIONAL MATCH (predecessor:Object)-[:RELATES_TO]->(o)
		WITH o, outDegree, count(DISTINCT predecessor) AS inDegree
		WITH o, inDegree * $weight + outDegree AS score
		RETURN o.id AS nodeId, `+cypherLabel+` AS nodeName, o.type AS nodeType, score
		ORDER BY score DESC, o.id ASC
		LIMIT $limit
	`, repoID)
}

func pathFromValue(val any) (models.PathResult, bool) {
	path, ok := val.(neo4j.Path)
	if !ok {
		return models.PathResult{}, false
	}
	result := models.PathResult{
		Path:   make([]string, len(path.Nodes)),
		Length: len(path.Relationships),
		Nodes:  make([]models.PathNode, len(path.Nodes)),
	}
	for i, n := range path.Nodes {
		id := propString(n.Props, "id")
		name := propString(n.Props, "displayName")
		for _, key := range []string{"name", "objectName"} {
			if name == "" {
				name = propString(n.Props, key)
			}
		}
		if name == "" {
			name = id
		}
		result.Path[i] = id
		result.Nodes[i] = models.PathNode{ID: id, Name: name, Type: propString(n.Props, "type")}
	}
	return result, true
}

// samePath answers a path query whose endpoints coincide
func (s *Neo4jStore) samePath(ctx context.Context, repoID, id string) (*models.PathResult, error) {
	records, err := s.query(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object {id: $id})
		RETURN o.id AS id, `+cypherLabel+` AS name, o.type AS type
	`, map[string]any{"repositoryId": repoID, "id": id}, true)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &models.PathResult{
		Path:   []string{id},
		Length: 0,
		Nodes: []models.PathNode{{
			ID:   id,
			Name: recordString(records[0], "name"),
			Type: recordString(records[0], "type"),
		}},
	}, nil
}

// ShortestPath returns a shortest directed path of at most maxDepth hops, or
// nil when none exists
func (s *Neo4jStore) ShortestPath(ctx context.Context, repoID, fromID, toID string, maxDepth int) (*models.PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultShortestDepth
	}
	if fromID == toID {
		return s.samePath(ctx, repoID, fromID)
	}

	records, err := s.query(ctx, fmt.Sprintf(`
		MATCH (r:Repository {id: $repositoryId})-[:CONTAINS]->(source:Object {id: $sourceId})
		MATCH (r)-[:CONTAINS]->(target:Object {id: $targetId})
		MATCH path = shortestPath((source)-[:RELATES_TO*1..%d]->(target))
		WHERE ALL(node IN nodes(path) WHERE (r)-[:CONTAINS]->(node))
		RETURN path
		LIMIT 1
	`, maxDepth), map[string]any{"repositoryId": repoID, "sourceId": fromID, "targetId": toID}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to find shortest path: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	val, _ := records[0].Get("path")
	result, ok := pathFromValue(val)
	if !ok {
		return nil, nil
	}
	return &result, nil
}

// AllPaths returns up to limit simple directed paths, shortest first
func (s *Neo4jStore) AllPaths(ctx context.Context, repoID, fromID, toID string, maxDepth, limit int) ([]models.PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultAllPathsDepth
	}
	if limit <= 0 {
		limit = DefaultAllPathsLimit
	}

	records, err := s.query(ctx, fmt.Sprintf(`
		MATCH (r:Repository {id: $repositoryId})-[:CONTAINS]->(source:Object {id: $sourceId})
		MATCH (r)-[:CONTAINS]->(target:Object {id: $targetId})
		MATCH path = (source)-[:RELATES_TO*1..%d]->(target)
		WHERE ALL(node IN nodes(path) WHERE (r)-[:CONTAINS]->(node))
		  AND ALL(node IN nodes(path) WHERE single(other IN nodes(path) WHERE other = node))
		WITH path, length(path) AS pathLength, [node IN nodes(path) | node.id] AS ids
		ORDER BY pathLength, ids
		LIMIT $limit
		RETURN path
	`, maxDepth), map[string]any{
		"repositoryId": repoID,
		"sourceId":     fromID,
		"targetId":     toID,
		"limit":        limit,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to find paths: %w", err)
	}

	results := []models.PathResult{}
	for _, record := range records {
		val, _ := record.Get("path")
		if result, ok := pathFromValue(val); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func (s *Neo4jStore) queryDataBlocks(ctx context.Context, match string, params map[string]any) ([]models.DataBlock, error) {
	records, err := s.query(ctx, match+`
		RETURN d.id AS id, o.id AS objectId, coalesce(o.displayName, o.name, '') AS objectName,
		       o.type AS objectType, d.namespace AS namespace, d.name AS name,
		       d.values AS values, d.updatedAt AS updatedAt
		ORDER BY namespace, name, id
		LIMIT $blockLimit
	`, withBlockLimit(params), true)
	if err != nil {
		return nil, err
	}

	blocks := make([]models.DataBlock, 0, len(records))
	for _, r := range records {
		blocks = append(blocks, models.DataBlock{
			ID:         recordString(r, "id"),
			ObjectID:   recordString(r, "objectId"),
			ObjectName: recordString(r, "objectName"),
			ObjectType: recordString(r, "objectType"),
			Namespace:  recordString(r, "namespace"),
			Name:       recordString(r, "name"),
			Values:     decodeMap(recordString(r, "values")),
			UpdatedAt:  recordString(r, "updatedAt"),
		})
	}
	return blocks, nil
}

func withBlockLimit(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["blockLimit"] = MaxPageSize
	return out
}

// ListDataBlocks lists data blocks of objects in the repository
func (s *Neo4jStore) ListDataBlocks(ctx context.Context, repoID string, filter DataBlockFilter) ([]models.DataBlock, error) {
	blocks, err := s.queryDataBlocks(ctx, `
		MATCH (:Repository {id: $repositoryId})-[:CONTAINS]->(o:Object)-[:HAS_DATABLOCK]->(d:DataBlock)
		WHERE ($namespace = '' OR d.namespace = $namespace)
		  AND ($name = '' OR d.name = $name)
		  AND ($objectId = '' OR o.id = $objectId)
	`, map[string]any{
		"repositoryId": repoID,
		"namespace":    filter.Namespace,
		"name":         filter.Name,
		"objectId":     filter.ObjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list data blocks: %w", err)
	}
	return blocks, nil
}

// GetDataBlock returns one data block by its composite id
func (s *Neo4jStore) GetDataBlock(ctx context.Context, id string) (*models.DataBlock, error) {
	blocks, err := s.queryDataBlocks(ctx,
		`MATCH (d:DataBlock {id: $id}) OPTIONAL MATCH (o:Object)-[:HAS_DATABLOCK]->(d)`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to query data block: %w", err)
	}
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}
	return &blocks[0], nil
}

// DataBlocksByObject lists the data blocks owned by an object
func (s *Neo4jStore) DataBlocksByObject(ctx context.Context, objectID string) ([]models.DataBlock, error) {
	blocks, err := s.queryDataBlocks(ctx,
		`MATCH (o:Object {id: $id})-[:HAS_DATABLOCK]->(d:DataBlock)`,
		map[string]any{"id": objectID})
	if err != nil {
		return nil, fmt.Errorf("failed to list data blocks: %w", err)
	}
	return blocks, nil
}
