package dsg

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID identifies a node for the lifetime of a session. The top byte holds
// a symbol character naming the source (layer prefix or robot prefix) and the
// low 56 bits hold a sequence index. Ids are never reused.
type NodeID uint64

const indexBits = 56
const indexMask = (uint64(1) << indexBits) - 1

// NewNodeID packs a symbol character and a sequence index.
func NewNodeID(chr byte, index uint64) NodeID {
	return NodeID(uint64(chr)<<indexBits | (index & indexMask))
}

// Chr returns the symbol character.
func (id NodeID) Chr() byte { return byte(uint64(id) >> indexBits) }

// Index returns the sequence index.
func (id NodeID) Index() uint64 { return uint64(id) & indexMask }

// Label renders the id as "c(idx)", e.g. "p(12)".
func (id NodeID) Label() string {
	chr := id.Chr()
	if chr < '!' || chr > '~' {
		return strconv.FormatUint(uint64(id), 10)
	}
	return fmt.Sprintf("%c(%d)", chr, id.Index())
}

func (id NodeID) String() string { return id.Label() }

// ParseNodeID accepts either a label such as "R(3)" or a raw decimal id.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return NodeID(n), nil
	}
	if len(s) < 4 || s[1] != '(' || s[len(s)-1] != ')' {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	idx, err := strconv.ParseUint(s[2:len(s)-1], 10, 64)
	if err != nil || idx > indexMask {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return NewNodeID(s[0], idx), nil
}

// MarshalText lets ids key JSON objects by label.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.Label()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LayerID names a layer of the scene graph. The numeric value is the
// layer's position in the hierarchy; higher layers parent lower ones.
type LayerID int

const (
	LayerAgents    LayerID = 1
	LayerObjects   LayerID = 2
	LayerPlaces    LayerID = 3
	LayerRooms     LayerID = 4
	LayerBuildings LayerID = 5
)

// StaticLayers lists the hierarchy layers in order.
var StaticLayers = []LayerID{LayerObjects, LayerPlaces, LayerRooms, LayerBuildings}

// AllLayers lists every layer including the dynamic agents layer.
var AllLayers = []LayerID{LayerAgents, LayerObjects, LayerPlaces, LayerRooms, LayerBuildings}

// Node symbol prefixes used by the default layers.
const (
	ObjectPrefix   byte = 'O'
	PlacePrefix    byte = 'p'
	RoomPrefix     byte = 'R'
	BuildingPrefix byte = 'B'
)

var layerNames = map[LayerID]string{
	LayerAgents:    "agents",
	LayerObjects:   "objects",
	LayerPlaces:    "places",
	LayerRooms:     "rooms",
	LayerBuildings: "buildings",
}

func (l LayerID) String() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return "layer" + strconv.Itoa(int(l))
}

// ParseLayerName maps a layer name as used in configuration to its id.
func ParseLayerName(name string) (LayerID, bool) {
	for id, n := range layerNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}
