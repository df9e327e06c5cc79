package packet

import (
	"errors"
	"sort"
	"strconv"
)

// PacketTypeID is the on-air packet type byte
type PacketTypeID uint8

// PacketType names a packet type and the module it normally belongs to
type PacketType struct {
	TypeID PacketTypeID
	Name   string
	Module uint8
}

// PacketRegistry maps packet type ids to their descriptions
type PacketRegistry struct {
	types map[PacketTypeID]PacketType
}

// NewPacketRegistry creates an empty packet registry
func NewPacketRegistry() *PacketRegistry {
	return &PacketRegistry{
		types: make(map[PacketTypeID]PacketType),
	}
}

// RegisterPacketType registers a packet type under its id
func (pr *PacketRegistry) RegisterPacketType(pt PacketType) error {
	if pt.TypeID == 0 {
		return ErrInvalidPacketTypeID
	}
	if _, exists := pr.types[pt.TypeID]; exists {
		return ErrPacketTypeAlreadyExists
	}
	pr.types[pt.TypeID] = pt
	return nil
}

// GetPacketType retrieves a packet type by ID
func (pr *PacketRegistry) GetPacketType(id PacketTypeID) (PacketType, bool) {
	pt, exists := pr.types[id]
	return pt, exists
}

// GetPacketTypeByName retrieves a packet type by name
func (pr *PacketRegistry) GetPacketTypeByName(name string) (PacketType, bool) {
	for _, pt := range pr.types {
		if pt.Name == name {
			return pt, true
		}
	}
	return PacketTypeUnknown, false
}

// ListPacketTypes returns all registered packet types ordered by id
func (pr *PacketRegistry) ListPacketTypes() []PacketType {
	types := make([]PacketType, 0, len(pr.types))
	for _, pt := range pr.types {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].TypeID < types[j].TypeID })
	return types
}

// Copy creates a new PacketRegistry with the same packet types
func (pr *PacketRegistry) Copy() *PacketRegistry {
	newPr := NewPacketRegistry()
	for id, pt := range pr.types {
		newPr.types[id] = pt
	}
	return newPr
}

// Name returns a printable name for a packet type id
func (pr *PacketRegistry) Name(id PacketTypeID) string {
	if pt, ok := pr.types[id]; ok {
		return pt.Name
	}
	return "UNKNOWN_" + strconv.Itoa(int(id))
}

// DefaultRegistry holds the builtin radio packet types
var DefaultRegistry = func() *PacketRegistry {
	pr := NewPacketRegistry()
	for _, pt := range builtinPacketTypes {
		if err := pr.RegisterPacketType(pt); err != nil {
			panic(err)
		}
	}
	return pr
}()

// TypeName looks a packet type name up in the default registry
func TypeName(id PacketTypeID) string {
	return DefaultRegistry.Name(id)
}

// Errors
var (
	ErrInvalidPacketTypeID     = errors.New("invalid packet type ID: 0 is reserved")
	ErrPacketTypeAlreadyExists = errors.New("packet type with this ID already exists")
)
