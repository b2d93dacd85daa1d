package wire

import (
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mcules/dstore/internal/model"
)

// Bytes fields are copied on decode: gRPC recycles the buffer handed to the
// codec once Unmarshal returns.

type StoreMetaRequest struct {
	Graph       *model.LayerGraph
	Composition model.Composition
	Accuracy    float32
}

type Ack struct {
	OK bool
}

type CompositionRequest struct {
	Model model.ModelID
}

type CompositionReply struct {
	Composition model.Composition
}

// StoreHeader opens a StoreLayers stream. Layers and Sizes are parallel; the
// payload that follows is the concatenation of the layers in this order.
type StoreHeader struct {
	Owner  model.ModelID
	Layers []model.LayerID
	Sizes  []uint64
}

// StoreLayersFrame is one message of the StoreLayers client stream: the header
// first, then data chunks, then the digest of all chunk bytes.
type StoreLayersFrame struct {
	Header *StoreHeader
	Chunk  []byte
	Digest []byte
}

type ReadLayersRequest struct {
	Owner  model.ModelID
	Layers []model.LayerID
}

// DataFrame is one message of the ReadLayers server stream: data chunks followed
// by a digest trailer.
type DataFrame struct {
	Chunk  []byte
	Digest []byte
}

type RefRequest struct {
	Owner  model.ModelID
	Layers []model.LayerID
	Delta  int64
}

type PrefixRequest struct {
	Graph *model.LayerGraph
}

type PrefixReply struct {
	Model    model.ModelID
	Vertices []model.LayerID
	Accuracy float32
}

type ShutdownRequest struct{}

// graph: 1 id, 2 root, 3 adjacency {1 vertex, 2 successors}, 4 degree {1 vertex, 2 in-degree}

func appendGraph(b []byte, g *model.LayerGraph) []byte {
	b = appendVarint(b, 1, uint64(g.ID))
	b = appendVarint(b, 2, uint64(g.Root))

	for _, u := range sortedKeys(g.OutEdges) {
		var adj []byte
		adj = appendVarint(adj, 1, uint64(u))
		adj = appendPacked(adj, 2, ids64(g.Successors(u)))
		b = appendMessage(b, 3, adj)
	}
	for _, v := range sortedKeys(g.InDegree) {
		var deg []byte
		deg = appendVarint(deg, 1, uint64(v))
		deg = appendVarint(deg, 2, uint64(g.InDegree[v]))
		b = appendMessage(b, 4, deg)
	}
	return b
}

// parseGraph keeps the in-degrees exactly as sent so that a receiver can
// validate them against the edge set.
func parseGraph(b []byte) (*model.LayerGraph, error) {
	g := model.NewLayerGraph(0, 0)
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			g.ID = model.ModelID(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			g.Root = model.LayerID(v)
			return n, err
		case 3:
			body, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var (
				u    uint64
				succ []uint64
			)
			err = parseFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeVarint(typ, b)
					u = v
					return n, err
				case 2:
					return consumeRepeated(typ, b, &succ)
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			set, ok := g.OutEdges[model.LayerID(u)]
			if !ok {
				set = map[model.LayerID]struct{}{}
				g.OutEdges[model.LayerID(u)] = set
			}
			for _, v := range succ {
				set[model.LayerID(v)] = struct{}{}
			}
			return n, nil
		case 4:
			body, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var v, d uint64
			err = parseFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					x, n, err := consumeVarint(typ, b)
					v = x
					return n, err
				case 2:
					x, n, err := consumeVarint(typ, b)
					d = x
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			g.InDegree[model.LayerID(v)] = int(d)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// composition entry: 1 layer, 2 owner, 3 size

func appendComposition(b []byte, num protowire.Number, c model.Composition) []byte {
	for _, lid := range sortedKeys(c) {
		p := c[lid]
		var e []byte
		e = appendVarint(e, 1, uint64(lid))
		e = appendVarint(e, 2, uint64(p.Owner))
		e = appendVarint(e, 3, p.Size)
		b = appendMessage(b, num, e)
	}
	return b
}

func parseCompositionEntry(typ protowire.Type, b []byte, c model.Composition) (int, error) {
	body, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	var lid, owner, size uint64
	err = parseFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			lid = v
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			owner = v
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			size = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}
	c[model.LayerID(lid)] = model.Placement{Owner: model.ModelID(owner), Size: size}
	return n, nil
}

func (m *StoreMetaRequest) appendWire(b []byte) []byte {
	if m.Graph != nil {
		b = appendMessage(b, 1, appendGraph(nil, m.Graph))
	}
	b = appendComposition(b, 2, m.Composition)
	return appendFixed32(b, 3, math.Float32bits(m.Accuracy))
}

func (m *StoreMetaRequest) parseWire(b []byte) error {
	*m = StoreMetaRequest{Composition: model.Composition{}}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Graph, err = parseGraph(body)
			return n, err
		case 2:
			return parseCompositionEntry(typ, b, m.Composition)
		case 3:
			v, n, err := consumeFixed32(typ, b)
			m.Accuracy = math.Float32frombits(v)
			return n, err
		}
		return 0, nil
	})
}

func (m *Ack) appendWire(b []byte) []byte {
	if m.OK {
		b = appendVarint(b, 1, 1)
	}
	return b
}

func (m *Ack) parseWire(b []byte) error {
	*m = Ack{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		m.OK = v != 0
		return n, err
	})
}

func (m *CompositionRequest) appendWire(b []byte) []byte {
	return appendVarint(b, 1, uint64(m.Model))
}

func (m *CompositionRequest) parseWire(b []byte) error {
	*m = CompositionRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		m.Model = model.ModelID(v)
		return n, err
	})
}

func (m *CompositionReply) appendWire(b []byte) []byte {
	return appendComposition(b, 1, m.Composition)
}

func (m *CompositionReply) parseWire(b []byte) error {
	*m = CompositionReply{Composition: model.Composition{}}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return parseCompositionEntry(typ, b, m.Composition)
	})
}

func (h *StoreHeader) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(h.Owner))
	b = appendPacked(b, 2, ids64(h.Layers))
	return appendPacked(b, 3, h.Sizes)
}

func (h *StoreHeader) parseWire(b []byte) error {
	var layers []uint64
	*h = StoreHeader{}
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			h.Owner = model.ModelID(v)
			return n, err
		case 2:
			return consumeRepeated(typ, b, &layers)
		case 3:
			return consumeRepeated(typ, b, &h.Sizes)
		}
		return 0, nil
	})
	h.Layers = layerIDs(layers)
	return err
}

// TotalSize is the payload length announced by the header.
func (h *StoreHeader) TotalSize() uint64 {
	var n uint64
	for _, s := range h.Sizes {
		n += s
	}
	return n
}

func (m *StoreLayersFrame) appendWire(b []byte) []byte {
	if m.Header != nil {
		b = appendMessage(b, 1, m.Header.appendWire(nil))
	}
	b = appendBytes(b, 2, m.Chunk)
	return appendBytes(b, 3, m.Digest)
}

func (m *StoreLayersFrame) parseWire(b []byte) error {
	*m = StoreLayersFrame{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Header = &StoreHeader{}
			return n, m.Header.parseWire(body)
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Chunk = append([]byte(nil), v...)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			m.Digest = append([]byte(nil), v...)
			return n, err
		}
		return 0, nil
	})
}

func (m *ReadLayersRequest) appendWire(b []byte) []byte {
	b = appendPacked(b, 1, ids64(m.Layers))
	return appendVarint(b, 2, uint64(m.Owner))
}

func (m *ReadLayersRequest) parseWire(b []byte) error {
	var layers []uint64
	*m = ReadLayersRequest{}
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeRepeated(typ, b, &layers)
		case 2:
			v, n, err := consumeVarint(typ, b)
			m.Owner = model.ModelID(v)
			return n, err
		}
		return 0, nil
	})
	m.Layers = layerIDs(layers)
	return err
}

func (m *DataFrame) appendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Chunk)
	return appendBytes(b, 2, m.Digest)
}

func (m *DataFrame) parseWire(b []byte) error {
	*m = DataFrame{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.Chunk = append([]byte(nil), v...)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Digest = append([]byte(nil), v...)
			return n, err
		}
		return 0, nil
	})
}

func (m *RefRequest) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.Owner))
	b = appendPacked(b, 2, ids64(m.Layers))
	return appendVarint(b, 3, protowire.EncodeZigZag(m.Delta))
}

func (m *RefRequest) parseWire(b []byte) error {
	var layers []uint64
	*m = RefRequest{}
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Owner = model.ModelID(v)
			return n, err
		case 2:
			return consumeRepeated(typ, b, &layers)
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.Delta = protowire.DecodeZigZag(v)
			return n, err
		}
		return 0, nil
	})
	m.Layers = layerIDs(layers)
	return err
}

func (m *PrefixRequest) appendWire(b []byte) []byte {
	if m.Graph != nil {
		b = appendMessage(b, 1, appendGraph(nil, m.Graph))
	}
	return b
}

func (m *PrefixRequest) parseWire(b []byte) error {
	*m = PrefixRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		body, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		m.Graph, err = parseGraph(body)
		return n, err
	})
}

func (m *PrefixReply) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.Model))
	b = appendPacked(b, 2, ids64(m.Vertices))
	return appendFixed32(b, 3, math.Float32bits(m.Accuracy))
}

func (m *PrefixReply) parseWire(b []byte) error {
	var vs []uint64
	*m = PrefixReply{}
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Model = model.ModelID(v)
			return n, err
		case 2:
			return consumeRepeated(typ, b, &vs)
		case 3:
			v, n, err := consumeFixed32(typ, b)
			m.Accuracy = math.Float32frombits(v)
			return n, err
		}
		return 0, nil
	})
	m.Vertices = layerIDs(vs)
	return err
}

func (*ShutdownRequest) appendWire(b []byte) []byte { return b }

func (*ShutdownRequest) parseWire(b []byte) error {
	return parseFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func ids64[T ~uint64](vs []T) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

// layerIDs never returns nil so that an empty list survives a round trip.
func layerIDs(vs []uint64) []model.LayerID {
	out := make([]model.LayerID, len(vs))
	for i, v := range vs {
		out[i] = model.LayerID(v)
	}
	return out
}

func sortedKeys[K ~uint64, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
