package models

// ObjectSummary is one row of an object listing
type ObjectSummary struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	ObjectName  string                 `json:"objectName"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]interface{} `json:"properties"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ObjectPage is a page of objects plus the total matching count
type ObjectPage struct {
	Items []ObjectSummary `json:"items"`
	Total int             `json:"total"`
}

// RelationRef summarizes one side of a relation from an object's point of view
type RelationRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relationships groups outgoing and incoming relation summaries
type Relationships struct {
	Outgoing []RelationRef `json:"outgoing"`
	Incoming []RelationRef `json:"incoming"`
}

// ObjectDetail is a single object with tags, relations and data blocks
type ObjectDetail struct {
	ObjectSummary
	Category          string        `json:"category,omitempty"`
	SubCategory       string        `json:"subCategory,omitempty"`
	RelationshipCount int           `json:"relationshipCount"`
	IsHub             bool          `json:"isHub"`
	IsLeaf            bool          `json:"isLeaf"`
	Tags              []string      `json:"tags"`
	DataBlocks        []DataBlock   `json:"dataBlocks"`
	Relationships     Relationships `json:"relationships"`
}

// DataBlock is a stored data block, optionally annotated with its owning object
type DataBlock struct {
	ID         string                 `json:"id"`
	ObjectID   string                 `json:"objectId,omitempty"`
	ObjectName string                 `json:"objectName,omitempty"`
	ObjectType string                 `json:"objectType,omitempty"`
	Namespace  string                 `json:"namespace"`
	Name       string                 `json:"name"`
	Values     map[string]interface{} `json:"values"`
	UpdatedAt  string                 `json:"updatedAt"`
}

// Stats holds aggregate counts for one repository
type Stats struct {
	TotalObjects       int            `json:"totalObjects"`
	TotalRelationships int            `json:"totalRelationships"`
	ObjectsByType      map[string]int `json:"objectsByType"`
}

// GraphNode represents a node in a visualization payload
type GraphNode struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
	SubCategory string `json:"subCategory,omitempty"`
}

// GraphEdge represents an edge in a visualization payload
type GraphEdge struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	FromName string `json:"fromName,omitempty"`
	ToName   string `json:"toName,omitempty"`
}

// GraphData is a bounded subgraph
type GraphData struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// CentralityResult is one ranked node
type CentralityResult struct {
	NodeID   string  `json:"nodeId"`
	NodeName string  `json:"nodeName"`
	NodeType string  `json:"nodeType"`
	Score    float64 `json:"score"`
}

// PathNode is a node on a path
type PathNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// PathResult represents a path between two nodes
type PathResult struct {
	Path   []string   `json:"path"`
	Length int        `json:"length"`
	Nodes  []PathNode `json:"nodes"`
}

// Pagination describes a paginated response
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Response is the uniform API envelope
type Response struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// NewPagination computes total pages for a page of results
func NewPagination(page, pageSize, total int) *Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return &Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}
