package naga

import (
	"errors"
	"sort"

	"github.com/gogpu/pipecache"
)

// SPIR-V opcodes, decorations, and enums used by the module scan, per
// the Khronos SPIR-V registry.
const (
	spirvMagic = 0x07230203

	opEntryPoint       = 15
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypePointer      = 32
	opVariable         = 59
	opDecorate         = 71

	executionModelVertex   = 0
	executionModelFragment = 4

	decorationBufferBlock   = 3
	decorationBinding       = 33
	decorationDescriptorSet = 34

	storageClassUniformConstant = 0
	storageClassUniform         = 2
	storageClassStorageBuffer   = 12
)

type entryPoint struct {
	model uint32
	name  string
}

type pointerType struct {
	class   uint32
	pointee uint32
}

type moduleVariable struct {
	id     uint32
	typeID uint32
	class  uint32
}

// module is the subset of a SPIR-V binary the adapter cares about:
// entry points and resource-bound global variables.
type module struct {
	entryPoints []entryPoint

	pointers     map[uint32]pointerType
	imageTypes   map[uint32]bool
	samplerTypes map[uint32]bool

	sets       map[uint32]uint32
	bindingIDs map[uint32]uint32
	// bufferBlocks marks struct types carrying the legacy BufferBlock
	// decoration, which turns a Uniform-class variable into a storage
	// buffer.
	bufferBlocks map[uint32]bool

	variables []moduleVariable
}

// parseModule walks the instruction stream once, collecting the
// declarations the binding scan needs.
func parseModule(words []uint32) (*module, error) {
	if len(words) < 5 || words[0] != spirvMagic {
		return nil, errors.New("invalid SPIR-V module")
	}

	m := &module{
		pointers:     make(map[uint32]pointerType),
		imageTypes:   make(map[uint32]bool),
		samplerTypes: make(map[uint32]bool),
		sets:         make(map[uint32]uint32),
		bindingIDs:   make(map[uint32]uint32),
		bufferBlocks: make(map[uint32]bool),
	}

	for i := 5; i < len(words); {
		count := int(words[i] >> 16)
		op := words[i] & 0xFFFF
		if count == 0 || i+count > len(words) {
			return nil, errors.New("truncated SPIR-V instruction stream")
		}
		args := words[i+1 : i+count]

		switch op {
		case opEntryPoint:
			if len(args) >= 3 {
				m.entryPoints = append(m.entryPoints, entryPoint{
					model: args[0],
					name:  decodeString(args[2:]),
				})
			}
		case opTypePointer:
			if len(args) >= 3 {
				m.pointers[args[0]] = pointerType{class: args[1], pointee: args[2]}
			}
		case opTypeImage:
			if len(args) >= 1 {
				m.imageTypes[args[0]] = true
			}
		case opTypeSampler:
			if len(args) >= 1 {
				m.samplerTypes[args[0]] = true
			}
		case opTypeSampledImage:
			if len(args) >= 1 {
				m.imageTypes[args[0]] = true
			}
		case opVariable:
			if len(args) >= 3 {
				m.variables = append(m.variables, moduleVariable{
					id:     args[1],
					typeID: args[0],
					class:  args[2],
				})
			}
		case opDecorate:
			if len(args) < 2 {
				break
			}
			target, decoration := args[0], args[1]
			switch decoration {
			case decorationBufferBlock:
				m.bufferBlocks[target] = true
			case decorationDescriptorSet:
				if len(args) >= 3 {
					m.sets[target] = args[2]
				}
			case decorationBinding:
				if len(args) >= 3 {
					m.bindingIDs[target] = args[2]
				}
			}
		}

		i += count
	}
	return m, nil
}

func (m *module) hasEntryPoint(model uint32, name string) bool {
	for _, ep := range m.entryPoints {
		if ep.model == model && ep.name == name {
			return true
		}
	}
	return false
}

// bindings returns the module's resource interface: every global
// variable in a resource storage class that carries both a descriptor
// set and a binding number, ordered by group then binding.
func (m *module) bindings(stage pipecache.StageMask) []pipecache.Binding {
	var out []pipecache.Binding
	for _, v := range m.variables {
		var kind pipecache.BindingKind
		switch v.class {
		case storageClassUniform:
			kind = pipecache.BindingUniformBuffer
			if pt, ok := m.pointers[v.typeID]; ok && m.bufferBlocks[pt.pointee] {
				kind = pipecache.BindingStorageBuffer
			}
		case storageClassStorageBuffer:
			kind = pipecache.BindingStorageBuffer
		case storageClassUniformConstant:
			pt, ok := m.pointers[v.typeID]
			if !ok {
				continue
			}
			switch {
			case m.samplerTypes[pt.pointee]:
				kind = pipecache.BindingSampler
			case m.imageTypes[pt.pointee]:
				kind = pipecache.BindingTexture
			default:
				continue
			}
		default:
			continue
		}

		group, okGroup := m.sets[v.id]
		binding, okBinding := m.bindingIDs[v.id]
		if !okGroup || !okBinding {
			continue
		}
		out = append(out, pipecache.Binding{
			Group:   group,
			Binding: binding,
			Kind:    kind,
			Stages:  stage,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Binding < out[j].Binding
	})
	return out
}

// decodeString reads a nul-terminated SPIR-V literal string packed
// little-endian into words.
func decodeString(words []uint32) string {
	var b []byte
	for _, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(b)
			}
			b = append(b, c)
		}
	}
	return string(b)
}
