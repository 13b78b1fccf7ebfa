package destination

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"airweave.ai/core/entity"
)

// pointNamespace scopes deterministic point ids to this system.
var pointNamespace = uuid.MustParse("8a6e1f54-9c2b-4f3d-b1a7-2e0c5d4f6a91")

// PointID derives the stable point id for an entity. Re-inserting the same
// entity always lands on the same point, which is what makes BulkInsert an
// overwrite.
func PointID(e *entity.Entity) string {
	key := fmt.Sprintf("%s|%s|%s", e.SyncID, e.SourceEntityID, e.TypeID)
	if e.ChunkIndex != nil {
		key = fmt.Sprintf("%s|%d", key, *e.ChunkIndex)
	}
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// Payload builds the stored payload for an entity. The identity and lineage
// fields are always present so deletes by sync, parent and source entity id
// can be expressed as filters.
func Payload(e *entity.Entity) map[string]interface{} {
	payload := map[string]interface{}{
		"source_entity_id": e.SourceEntityID,
		"entity_type":      e.TypeID,
		"sync_id":          e.SyncID,
		"name":             e.Name,
	}
	if e.CollectionID != "" {
		payload["collection_id"] = e.CollectionID
	}
	if e.ParentID != "" {
		payload["parent_id"] = e.ParentID
	}
	if e.ChunkIndex != nil {
		payload["chunk_index"] = *e.ChunkIndex
	}
	if e.Textual != "" {
		payload["textual"] = e.Textual
	}
	if e.CreatedAt != nil {
		payload["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	if e.UpdatedAt != nil {
		payload["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if len(e.Breadcrumbs) > 0 {
		crumbs := make([]interface{}, 0, len(e.Breadcrumbs))
		for _, b := range e.Breadcrumbs {
			crumbs = append(crumbs, map[string]interface{}{
				"id": b.ID, "name": b.Name, "type": b.Type,
			})
		}
		payload["breadcrumbs"] = crumbs
	}
	for k, v := range e.Payload {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return payload
}

// identityFilter expresses "all points of this sync" plus optional key
// constraints, shared by the delete paths of wire adapters.
func identityFilter(syncID, key string, values []string) *Filter {
	must := []Condition{{Key: "sync_id", Match: &Match{Value: syncID}}}
	if key != "" {
		any := make([]interface{}, 0, len(values))
		for _, v := range values {
			any = append(any, v)
		}
		must = append(must, Condition{Key: key, Match: &Match{Any: any}})
	}
	return &Filter{Must: must}
}
