package entity

import (
	"fmt"
	"sort"
	"sync"
)

// FieldFlags mark how a payload field participates in hashing and embedding.
type FieldFlags uint8

const (
	// FlagHashable fields contribute to the content hash.
	FlagHashable FieldFlags = 1 << iota
	// FlagEmbeddable fields are rendered into the embedded text.
	FlagEmbeddable
)

// Descriptor is the static schema of one entity type: its variant kind, the
// source module it belongs to, and the per-field flag table. Payload fields
// absent from Fields are neither hashed nor embedded.
type Descriptor struct {
	TypeID string
	Kind   Kind
	Module string // source short name, e.g. "notion"
	Fields map[string]FieldFlags
}

// HashableFields returns the sorted field names that contribute to the hash.
func (d Descriptor) HashableFields() []string {
	return d.fieldsWith(FlagHashable)
}

// EmbeddableFields returns the sorted field names rendered into embed text.
func (d Descriptor) EmbeddableFields() []string {
	return d.fieldsWith(FlagEmbeddable)
}

func (d Descriptor) fieldsWith(flag FieldFlags) []string {
	names := make([]string, 0, len(d.Fields))
	for name, flags := range d.Fields {
		if flags&flag != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// typeRegistry maps TypeID to its descriptor. Populated at startup by each
// source adapter package; read-heavy afterwards.
type typeRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

var types = &typeRegistry{descriptors: make(map[string]Descriptor)}

// RegisterType registers an entity type descriptor. Registering the same
// TypeID twice is a programming error.
func RegisterType(d Descriptor) error {
	if d.TypeID == "" {
		return fmt.Errorf("descriptor requires a TypeID")
	}
	if d.Kind == "" {
		return fmt.Errorf("descriptor %s requires a Kind", d.TypeID)
	}

	types.mu.Lock()
	defer types.mu.Unlock()

	if _, exists := types.descriptors[d.TypeID]; exists {
		return fmt.Errorf("entity type %s already registered", d.TypeID)
	}
	types.descriptors[d.TypeID] = d
	return nil
}

// MustRegisterType registers a descriptor and panics on conflict. Intended
// for package init blocks in source adapters.
func MustRegisterType(d Descriptor) {
	if err := RegisterType(d); err != nil {
		panic(err)
	}
}

// DescriptorFor looks up the descriptor of a type.
func DescriptorFor(typeID string) (Descriptor, bool) {
	types.mu.RLock()
	defer types.mu.RUnlock()
	d, ok := types.descriptors[typeID]
	return d, ok
}

// RegisteredTypes returns the sorted list of known TypeIDs.
func RegisteredTypes() []string {
	types.mu.RLock()
	defer types.mu.RUnlock()
	ids := make([]string, 0, len(types.descriptors))
	for id := range types.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
