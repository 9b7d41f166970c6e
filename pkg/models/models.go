package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultLanguage is the language preferred when resolving localized names
const DefaultLanguage = "en"

// Repository represents one synchronization target
type Repository struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// LocalizedName is a multi-language name as returned upstream, e.g. {"en": "CRM", "fr": "GRC"}.
// Language order is kept so that "first available language" is stable.
type LocalizedName struct {
	langs  []string
	values map[string]string
}

// NewLocalizedName builds a name from language/value pairs
func NewLocalizedName(pairs ...string) *LocalizedName {
	n := &LocalizedName{values: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		n.set(pairs[i], pairs[i+1])
	}
	return n
}

func (n *LocalizedName) set(lang, value string) {
	if n.values == nil {
		n.values = make(map[string]string)
	}
	if _, exists := n.values[lang]; !exists {
		n.langs = append(n.langs, lang)
	}
	n.values[lang] = value
}

// Get returns the value for a language
func (n *LocalizedName) Get(lang string) string {
	if n == nil {
		return ""
	}
	return n.values[lang]
}

// Languages returns the languages in upstream order
func (n *LocalizedName) Languages() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.langs...)
}

// IsZero reports whether no language is present
func (n *LocalizedName) IsZero() bool {
	return n == nil || len(n.langs) == 0
}

// Resolve returns the preferred language, else the first available one, else ""
func (n *LocalizedName) Resolve(preferred string) string {
	if n.IsZero() {
		return ""
	}
	if v := n.values[preferred]; v != "" {
		return v
	}
	return n.values[n.langs[0]]
}

// UnmarshalJSON accepts either a language map or a plain string
func (n *LocalizedName) UnmarshalJSON(data []byte) error {
	n.langs = nil
	n.values = make(map[string]string)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		n.set("default", s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("localized name: expected object or string")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		switch v := raw.(type) {
		case string:
			n.set(key, v)
		case nil:
			n.set(key, "")
		default:
			n.set(key, fmt.Sprint(v))
		}
	}
	return nil
}

// MarshalJSON writes the languages in upstream order
func (n LocalizedName) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, lang := range n.langs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(lang)
		v, _ := json.Marshal(n.values[lang])
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Document is a data block attached to an upstream object
type Document struct {
	ObjectID        string                 `json:"objectId,omitempty"`
	SchemaNamespace string                 `json:"schemaNamespace"`
	SchemaName      string                 `json:"schemaName"`
	Values          map[string]interface{} `json:"values,omitempty"`
	UpdatedAt       string                 `json:"updatedAt,omitempty"`
}

// Object is an architecture element as returned upstream
type Object struct {
	ID          string                 `json:"id"`
	ExternalID  string                 `json:"externalId,omitempty"`
	Type        string                 `json:"type"`
	ObjectName  *LocalizedName         `json:"objectName,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Documents   []Document             `json:"documents,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	Profiles    map[string]interface{} `json:"profiles,omitempty"`
	CreatedAt   string                 `json:"createdAt,omitempty"`
	UpdatedAt   string                 `json:"updatedAt,omitempty"`
}

// DisplayName resolves objectName[en], then the first language, then name, externalId and id
func (o *Object) DisplayName() string {
	if name := o.ObjectName.Resolve(DefaultLanguage); name != "" {
		return name
	}
	if o.Name != "" {
		return o.Name
	}
	if o.ExternalID != "" {
		return o.ExternalID
	}
	return o.ID
}

// UpstreamRelation is a relation record as returned by the relations endpoint
type UpstreamRelation struct {
	RelationID     string         `json:"relationId"`
	ExternalID     string         `json:"externalId,omitempty"`
	RelationType   string         `json:"relationType"`
	RelationName   *LocalizedName `json:"relationName,omitempty"`
	FromID         string         `json:"fromId"`
	FromExternalID string         `json:"fromExternalId,omitempty"`
	FromType       string         `json:"fromType,omitempty"`
	FromName       *LocalizedName `json:"fromName,omitempty"`
	ToID           string         `json:"toId"`
	ToExternalID   string         `json:"toExternalId,omitempty"`
	ToType         string         `json:"toType,omitempty"`
	ToName         *LocalizedName `json:"toName,omitempty"`
	UpdatedAt      string         `json:"updatedAt,omitempty"`
}

// Relation is the internal directed edge shape
type Relation struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	SourceID   string                 `json:"sourceId"`
	TargetID   string                 `json:"targetId"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToRelation normalizes an upstream relation into the internal shape
func (r *UpstreamRelation) ToRelation() Relation {
	return Relation{
		ID:       r.RelationID,
		Type:     r.RelationType,
		SourceID: r.FromID,
		TargetID: r.ToID,
		Properties: map[string]interface{}{
			"externalId":     r.ExternalID,
			"relationName":   r.RelationName,
			"fromExternalId": r.FromExternalID,
			"fromType":       r.FromType,
			"fromName":       r.FromName,
			"toExternalId":   r.ToExternalID,
			"toType":         r.ToType,
			"toName":         r.ToName,
		},
		Metadata: map[string]interface{}{
			"updatedAt": r.UpdatedAt,
		},
	}
}

// Snapshot is the in-memory result of one extraction run
type Snapshot struct {
	Repository  Repository    `json:"repository"`
	Objects     []Object      `json:"objects"`
	Relations   []Relation    `json:"relations"`
	ExtractedAt time.Time     `json:"extractedAt"`
	Duration    time.Duration `json:"duration"`
}

// SplitType splits "Namespace:Kind" into category and sub-category.
// Missing parts default to "Other" and "Unknown".
func SplitType(t string) (string, string) {
	category, sub, found := strings.Cut(t, ":")
	if category == "" {
		category = "Other"
	}
	if !found || sub == "" {
		sub = "Unknown"
	}
	return category, sub
}

// FallbackDisplayName returns name, or a shortened id when the name is empty
func FallbackDisplayName(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id + "..."
}
