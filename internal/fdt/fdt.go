// Package fdt parses the flattened device tree blob handed to the
// kernel at boot (§6): magic 0xd00dfeed, a struct block of
// begin/end-node and property tokens, and a trailing string block the
// property tokens index into. Layout and the properties this kernel
// actually consults (timebase-frequency, riscv,isa's svadu bit,
// /chosen/bootargs, and each /soc/* node's reg/compatible/interrupts)
// follow the device-tree walk the original kernel's boot sequence does
// node by node; this parser just does it over a []byte blob with
// encoding/binary instead of raw pointer arithmetic over a mapped DTB.
package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

const (
	magic = 0xd00dfeed

	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9
)

// header mirrors the 10-word FDT header, all fields big-endian.
type header struct {
	Magic            uint32
	TotalSize        uint32
	OffDtStruct      uint32
	OffDtStrings     uint32
	OffMemRsvmap     uint32
	Version          uint32
	LastCompVersion  uint32
	BootCpuidPhys    uint32
	SizeDtStrings    uint32
	SizeDtStruct     uint32
}

// Node_t is one device-tree node: a name, its direct properties (raw
// bytes, undecoded), and its children in document order.
type Node_t struct {
	Name     string
	Props    map[string][]byte
	Children []*Node_t
}

// Blob_t is a fully parsed FDT, plus the handful of derived facts §6
// says the kernel consults during boot.
type Blob_t struct {
	Root *Node_t

	TimebaseHz  uint32
	SvaduEnabled bool
	Bootargs    map[string]string
	Soc         []SocDevice_t
}

// SocDevice_t is one child of /soc, the set of facts driver matching
// needs (§6: "every /soc/* node's reg, compatible, interrupts").
type SocDevice_t struct {
	Name        string
	Compatible  string
	Reg         []RegRange_t
	Interrupts  []uint32
}

// RegRange_t is one (address, size) pair decoded from a "reg"
// property, assuming #address-cells = #size-cells = 2 (64-bit sv39
// targets; the only width this kernel's boot path needs).
type RegRange_t struct {
	Addr uint64
	Size uint64
}

// Parse walks data as an FDT blob and extracts the tree plus the
// derived boot facts. It returns an error rather than panicking on a
// malformed blob — boot code decides whether that's fatal.
func Parse(data []byte) (*Blob_t, error) {
	if len(data) < 40 {
		return nil, fmt.Errorf("fdt: blob too short (%d bytes)", len(data))
	}
	var h header
	h.Magic = binary.BigEndian.Uint32(data[0:4])
	if h.Magic != magic {
		return nil, fmt.Errorf("fdt: bad magic %#x", h.Magic)
	}
	h.TotalSize = binary.BigEndian.Uint32(data[4:8])
	h.OffDtStruct = binary.BigEndian.Uint32(data[8:12])
	h.OffDtStrings = binary.BigEndian.Uint32(data[12:16])
	h.OffMemRsvmap = binary.BigEndian.Uint32(data[16:20])
	h.Version = binary.BigEndian.Uint32(data[20:24])
	h.LastCompVersion = binary.BigEndian.Uint32(data[24:28])
	h.BootCpuidPhys = binary.BigEndian.Uint32(data[28:32])
	h.SizeDtStrings = binary.BigEndian.Uint32(data[32:36])
	h.SizeDtStruct = binary.BigEndian.Uint32(data[36:40])

	if int(h.TotalSize) > len(data) {
		return nil, fmt.Errorf("fdt: totalsize %d exceeds blob length %d", h.TotalSize, len(data))
	}

	strBlock := data[h.OffDtStrings : h.OffDtStrings+h.SizeDtStrings]
	structBlock := data[h.OffDtStruct : h.OffDtStruct+h.SizeDtStruct]

	p := &parser{struc: structBlock, strs: strBlock}
	root, err := p.parseNode()
	if err != nil {
		return nil, err
	}

	blob := &Blob_t{Root: root, Bootargs: map[string]string{}}
	blob.derive()
	return blob, nil
}

type parser struct {
	struc []byte
	strs  []byte
	off   int
}

func (p *parser) u32() uint32 {
	v := binary.BigEndian.Uint32(p.struc[p.off:])
	p.off += 4
	return v
}

func (p *parser) cstr() string {
	start := p.off
	end := start
	for end < len(p.struc) && p.struc[end] != 0 {
		end++
	}
	s := string(p.struc[start:end])
	p.off = align4(end + 1)
	return s
}

func (p *parser) nameAt(strOff uint32) string {
	end := int(strOff)
	for end < len(p.strs) && p.strs[end] != 0 {
		end++
	}
	return string(p.strs[strOff:end])
}

func align4(n int) int { return (n + 3) &^ 3 }

// parseNode consumes one FDT_BEGIN_NODE through its matching
// FDT_END_NODE, recursing into child nodes.
func (p *parser) parseNode() (*Node_t, error) {
	for p.off < len(p.struc) {
		tok := p.u32()
		switch tok {
		case tokenNop:
			continue
		case tokenBeginNode:
			return p.parseNodeBody()
		default:
			return nil, fmt.Errorf("fdt: expected FDT_BEGIN_NODE, got token %d", tok)
		}
	}
	return nil, fmt.Errorf("fdt: truncated struct block")
}

func (p *parser) parseNodeBody() (*Node_t, error) {
	name := p.cstr()
	n := &Node_t{Name: name, Props: map[string][]byte{}}
	for {
		if p.off >= len(p.struc) {
			return nil, fmt.Errorf("fdt: truncated node %q", name)
		}
		tok := p.u32()
		switch tok {
		case tokenNop:
			continue
		case tokenProp:
			length := p.u32()
			nameOff := p.u32()
			val := p.struc[p.off : p.off+int(length)]
			p.off = align4(p.off + int(length))
			n.Props[p.nameAt(nameOff)] = val
		case tokenBeginNode:
			child, err := p.parseNodeBody()
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		case tokenEnd:
			return n, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token %d in node %q", tok, name)
		}
	}
}

// Find walks dot-free slash-separated path components ("/cpus/@0") from
// the root, matching node names verbatim (including @unit-address).
func (b *Blob_t) Find(path string) *Node_t {
	if b.Root == nil {
		return nil
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return b.Root
	}
	cur := b.Root
	for _, comp := range strings.Split(path, "/") {
		var next *Node_t
		for _, c := range cur.Children {
			if c.Name == comp {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// decodeString converts an FDT string-block byte run to a Go string.
// FDT string properties aren't guaranteed UTF-8 (§6); this kernel
// follows the original implementation's leniency and always decodes
// them as ISO-8859-1, which maps every byte value to a rune instead of
// rejecting the property outright.
func decodeString(raw []byte) string {
	// Trim one trailing NUL terminator if present, matching the DTB spec's
	// C-string property encoding.
	if n := len(raw); n > 0 && raw[n-1] == 0 {
		raw = raw[:n-1]
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func (n *Node_t) propString(name string) (string, bool) {
	v, ok := n.Props[name]
	if !ok {
		return "", false
	}
	return decodeString(v), true
}

func (n *Node_t) propU32(name string) (uint32, bool) {
	v, ok := n.Props[name]
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// regRanges decodes a "reg" property assuming 64-bit address and size
// cells, the only width sv39 boot targets in this kernel use.
func (n *Node_t) regRanges() []RegRange_t {
	v, ok := n.Props["reg"]
	if !ok {
		return nil
	}
	var ranges []RegRange_t
	for off := 0; off+16 <= len(v); off += 16 {
		ranges = append(ranges, RegRange_t{
			Addr: binary.BigEndian.Uint64(v[off : off+8]),
			Size: binary.BigEndian.Uint64(v[off+8 : off+16]),
		})
	}
	return ranges
}

// derive extracts the boot facts §6 says the kernel consults:
// /cpus/@0's timebase-frequency and riscv,isa (svadu presence),
// /chosen/bootargs, and every /soc/* child's reg/compatible/interrupts.
func (b *Blob_t) derive() {
	if cpu := b.Find("/cpus/@0"); cpu != nil {
		if freq, ok := cpu.propU32("timebase-frequency"); ok {
			b.TimebaseHz = freq
		}
		if isa, ok := cpu.propString("riscv,isa"); ok {
			for _, ext := range strings.Split(isa, "_") {
				if ext == "svadu" {
					b.SvaduEnabled = true
				}
			}
		}
	}

	if chosen := b.Find("/chosen"); chosen != nil {
		if args, ok := chosen.propString("bootargs"); ok {
			b.Bootargs = ParseBootArgs(args)
		}
	}

	if soc := b.Find("/soc"); soc != nil {
		for _, child := range soc.Children {
			compat, _ := child.propString("compatible")
			dev := SocDevice_t{
				Name:       child.Name,
				Compatible: compat,
				Reg:        child.regRanges(),
			}
			if irq, ok := child.Props["interrupts"]; ok {
				for off := 0; off+4 <= len(irq); off += 4 {
					dev.Interrupts = append(dev.Interrupts, binary.BigEndian.Uint32(irq[off:off+4]))
				}
			}
			b.Soc = append(b.Soc, dev)
		}
	}
}

// ParseBootArgs splits a space-separated "key=val" bootargs string
// (§6) into a map; a bare token with no '=' is stored with an empty
// value, matching the original kernel's flag-style bootargs (e.g. a
// lone "rtc" with no value is still recorded as present).
func ParseBootArgs(args string) map[string]string {
	out := map[string]string{}
	for _, tok := range strings.Fields(args) {
		if key, val, ok := strings.Cut(tok, "="); ok {
			out[key] = val
		} else {
			out[tok] = ""
		}
	}
	return out
}
