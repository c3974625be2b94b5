package mat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/ternarybob/volare/internal/models"
)

// The v7.3 reader walks just enough of the HDF5 layout to serve MAT files:
// superblock versions 0-3, v1 and v2 object headers, symbol-table and
// link-message groups, and contiguous, compact, or chunked datasets with
// optional deflate. Dense (fractal heap) groups never show up in MATLAB
// output and are rejected.

const h5Signature = "\x89HDF\r\n\x1a\n"

const h5UndefAddr = ^uint64(0)

const (
	h5MsgDataspace      = 0x0001
	h5MsgLinkInfo       = 0x0002
	h5MsgDatatype       = 0x0003
	h5MsgLink           = 0x0006
	h5MsgLayout         = 0x0008
	h5MsgFilterPipeline = 0x000B
	h5MsgAttribute      = 0x000C
	h5MsgContinuation   = 0x0010
	h5MsgSymbolTable    = 0x0011
)

const (
	h5LayoutCompact    = 0
	h5LayoutContiguous = 1
	h5LayoutChunked    = 2
)

const h5FilterDeflate = 1

var h5LE = binary.LittleEndian

// cur is a cursor over a metadata buffer with a sticky error.
type cur struct {
	b   []byte
	off int
	err error
}

func (c *cur) fail() {
	if c.err == nil {
		c.err = errors.New("truncated HDF5 metadata")
	}
}

func (c *cur) take(n int) []byte {
	if c.err != nil || n < 0 || c.off+n > len(c.b) {
		c.fail()
		return nil
	}
	out := c.b[c.off : c.off+n]
	c.off += n
	return out
}

func (c *cur) skip(n int) { c.take(n) }

func (c *cur) u8() uint64 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return uint64(b[0])
}

func (c *cur) u16() uint64 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return uint64(h5LE.Uint16(b))
}

func (c *cur) u32() uint64 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return uint64(h5LE.Uint32(b))
}

func (c *cur) u64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return h5LE.Uint64(b)
}

// uN reads an n-byte little-endian unsigned value, n in {1,2,4,8}.
func (c *cur) uN(n int) uint64 {
	switch n {
	case 1:
		return c.u8()
	case 2:
		return c.u16()
	case 4:
		return c.u32()
	case 8:
		return c.u64()
	default:
		c.fail()
		return 0
	}
}

type h5Datatype struct {
	class     int
	size      int
	signed    bool
	bigEndian bool
	name      string // numeric dtype name, "" otherwise
}

// describe approximates a printable dtype for non-numeric classes.
func (dt h5Datatype) describe() string {
	if dt.name != "" {
		return dt.name
	}
	switch dt.class {
	case 3:
		return fmt.Sprintf("bytes%d", dt.size)
	case 6:
		return "compound"
	case 7:
		return "object"
	}
	return "unknown"
}

type h5Layout struct {
	class     int
	addr      uint64
	size      uint64
	chunkDims []int
	compact   []byte
}

type h5Object struct {
	name        string
	addr        uint64
	isGroup     bool
	shape       []int
	dtype       h5Datatype
	matlabClass string
	layout      h5Layout
	filters     []int
}

type h5File struct {
	fh      *os.File
	size    int64
	offSize int
	lenSize int
	base    uint64
	objects []*h5Object
	byName  map[string]*h5Object
}

func (h *h5File) close() error { return h.fh.Close() }

func (h *h5File) readAt(addr uint64, n int) ([]byte, error) {
	if n < 0 || int64(addr)+int64(n) > h.size {
		return nil, fmt.Errorf("HDF5 read of %d bytes at %d past end of file", n, addr)
	}
	buf := make([]byte, n)
	if _, err := h.fh.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

// abs converts a stored file address to an absolute offset.
func (h *h5File) abs(addr uint64) uint64 { return h.base + addr }

func openH5(path string) (*h5File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	h := &h5File{fh: fh, size: st.Size(), byName: make(map[string]*h5Object)}

	rootAddr, err := h.readSuperblock()
	if err != nil {
		fh.Close()
		return nil, err
	}

	links, err := h.groupLinks(rootAddr)
	if err != nil {
		fh.Close()
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].name < links[j].name })

	for _, ln := range links {
		if strings.HasPrefix(ln.name, "#") {
			continue
		}
		obj, err := h.readObject(ln.name, ln.addr)
		if err != nil {
			fh.Close()
			return nil, err
		}
		h.objects = append(h.objects, obj)
		h.byName[ln.name] = obj
	}
	return h, nil
}

// readSuperblock locates the signature, parses whichever superblock version
// is present, and returns the root object header address.
func (h *h5File) readSuperblock() (uint64, error) {
	sbOff := uint64(0)
	found := false
	for {
		if int64(sbOff)+8 > h.size {
			break
		}
		sig, err := h.readAt(sbOff, 8)
		if err != nil {
			return 0, err
		}
		if string(sig) == h5Signature {
			found = true
			break
		}
		if sbOff == 0 {
			sbOff = 512
		} else {
			sbOff *= 2
		}
	}
	if !found {
		return 0, errors.New("HDF5 signature not found")
	}

	head, err := h.readAt(sbOff+8, 4)
	if err != nil {
		return 0, err
	}
	version := int(head[0])

	switch version {
	case 0, 1:
		n := 24
		if version == 1 {
			n += 4
		}
		buf, err := h.readAt(sbOff+8, n+4*16)
		if err != nil {
			return 0, err
		}
		c := &cur{b: buf}
		c.skip(1) // superblock version
		c.skip(1) // free space version
		c.skip(1) // root group version
		c.skip(1) // reserved
		c.skip(1) // shared header version
		h.offSize = int(c.u8())
		h.lenSize = int(c.u8())
		c.skip(1)
		c.skip(2) // group leaf k
		c.skip(2) // group internal k
		c.skip(4) // consistency flags
		if version == 1 {
			c.skip(4)
		}
		base := c.uN(h.offSize)
		c.uN(h.offSize) // free space address
		c.uN(h.offSize) // end of file address
		c.uN(h.offSize) // driver info address
		c.uN(h.offSize) // root link name offset
		rootAddr := c.uN(h.offSize)
		if c.err != nil {
			return 0, c.err
		}
		h.base = base
		if base == h5UndefAddr {
			h.base = sbOff
		}
		return h.abs(rootAddr), nil

	case 2, 3:
		buf, err := h.readAt(sbOff+8, 3+4*8+4)
		if err != nil {
			return 0, err
		}
		c := &cur{b: buf}
		c.skip(1) // superblock version
		h.offSize = int(c.u8())
		h.lenSize = int(c.u8())
		c.skip(1) // flags
		base := c.uN(h.offSize)
		c.uN(h.offSize) // extension address
		c.uN(h.offSize) // end of file address
		rootAddr := c.uN(h.offSize)
		if c.err != nil {
			return 0, c.err
		}
		h.base = base
		if base == h5UndefAddr {
			h.base = sbOff
		}
		return h.abs(rootAddr), nil
	}
	return 0, fmt.Errorf("unsupported HDF5 superblock version %d", version)
}

type h5Message struct {
	typ  int
	body []byte
}

// readMessages parses an object header at an absolute address, following
// continuation blocks, and returns every message.
func (h *h5File) readMessages(addr uint64) ([]h5Message, error) {
	sig, err := h.readAt(addr, 4)
	if err != nil {
		return nil, err
	}
	if string(sig) == "OHDR" {
		return h.readMessagesV2(addr)
	}
	return h.readMessagesV1(addr)
}

func (h *h5File) readMessagesV1(addr uint64) ([]h5Message, error) {
	prefix, err := h.readAt(addr, 16)
	if err != nil {
		return nil, err
	}
	c := &cur{b: prefix}
	version := c.u8()
	c.skip(1)
	nmsgs := int(c.u16())
	c.skip(4) // reference count
	hdrSize := int(c.u32())
	if c.err != nil || version != 1 {
		return nil, fmt.Errorf("unsupported HDF5 object header at %d", addr)
	}

	type block struct {
		addr uint64
		size int
	}
	blocks := []block{{addr + 16, hdrSize}}
	var msgs []h5Message

	for bi := 0; bi < len(blocks) && len(msgs) < nmsgs; bi++ {
		buf, err := h.readAt(blocks[bi].addr, blocks[bi].size)
		if err != nil {
			return nil, err
		}
		c := &cur{b: buf}
		for len(msgs) < nmsgs && c.err == nil && c.off+8 <= len(c.b) {
			typ := int(c.u16())
			size := int(c.u16())
			c.skip(4) // flags + reserved
			body := c.take(size)
			if c.err != nil {
				break
			}
			if typ == h5MsgContinuation {
				bc := &cur{b: body}
				off := bc.uN(h.offSize)
				length := bc.uN(h.lenSize)
				if bc.err == nil && off != h5UndefAddr {
					blocks = append(blocks, block{h.abs(off), int(length)})
				}
				msgs = append(msgs, h5Message{typ: typ})
				continue
			}
			msgs = append(msgs, h5Message{typ: typ, body: body})
		}
	}
	return msgs, nil
}

func (h *h5File) readMessagesV2(addr uint64) ([]h5Message, error) {
	head, err := h.readAt(addr, 6+16+4+8)
	if err != nil {
		return nil, err
	}
	c := &cur{b: head}
	c.skip(4) // OHDR
	if v := c.u8(); v != 2 {
		return nil, fmt.Errorf("unsupported HDF5 object header version %d", v)
	}
	flags := c.u8()
	if flags&0x20 != 0 {
		c.skip(16) // access/mod/change/birth times
	}
	if flags&0x10 != 0 {
		c.skip(4) // max compact/dense attributes
	}
	sizeLen := 1 << (flags & 0x3)
	chunk0 := int(c.uN(sizeLen))
	if c.err != nil {
		return nil, c.err
	}
	trackOrder := flags&0x04 != 0

	type block struct {
		addr uint64
		size int
	}
	blocks := []block{{addr + uint64(c.off), chunk0}}
	var msgs []h5Message

	for bi := 0; bi < len(blocks); bi++ {
		buf, err := h.readAt(blocks[bi].addr, blocks[bi].size)
		if err != nil {
			return nil, err
		}
		mc := &cur{b: buf}
		if bi > 0 {
			sig := mc.take(4)
			if mc.err != nil || string(sig) != "OCHK" {
				return nil, errors.New("bad HDF5 continuation block")
			}
		}
		for mc.err == nil && mc.off+4 <= len(mc.b) {
			typ := int(mc.u8())
			size := int(mc.u16())
			mc.skip(1) // message flags
			if trackOrder {
				mc.skip(2)
			}
			body := mc.take(size)
			if mc.err != nil {
				break
			}
			if typ == h5MsgContinuation {
				bc := &cur{b: body}
				off := bc.uN(h.offSize)
				length := int(bc.uN(h.lenSize))
				if bc.err == nil && off != h5UndefAddr && length > 8 {
					blocks = append(blocks, block{h.abs(off), length - 4})
				}
				continue
			}
			msgs = append(msgs, h5Message{typ: typ, body: body})
		}
	}
	return msgs, nil
}

type h5Link struct {
	name string
	addr uint64
}

// groupLinks enumerates the children of a group object, via its symbol
// table or its compact link messages.
func (h *h5File) groupLinks(addr uint64) ([]h5Link, error) {
	msgs, err := h.readMessages(addr)
	if err != nil {
		return nil, err
	}

	var links []h5Link
	for _, m := range msgs {
		switch m.typ {
		case h5MsgSymbolTable:
			c := &cur{b: m.body}
			btree := c.uN(h.offSize)
			heap := c.uN(h.offSize)
			if c.err != nil {
				return nil, c.err
			}
			heapData, err := h.localHeapData(h.abs(heap))
			if err != nil {
				return nil, err
			}
			if err := h.walkGroupBtree(h.abs(btree), heapData, &links); err != nil {
				return nil, err
			}
		case h5MsgLink:
			if ln, ok := h.parseLinkMessage(m.body); ok {
				links = append(links, ln)
			}
		case h5MsgLinkInfo:
			c := &cur{b: m.body}
			c.skip(1) // version
			liFlags := c.u8()
			if liFlags&1 != 0 {
				c.skip(8)
			}
			fractal := c.uN(h.offSize)
			if c.err == nil && fractal != h5UndefAddr {
				return nil, errors.New("unsupported HDF5 dense group layout")
			}
		}
	}
	return links, nil
}

func (h *h5File) parseLinkMessage(body []byte) (h5Link, bool) {
	c := &cur{b: body}
	if c.u8() != 1 {
		return h5Link{}, false
	}
	flags := c.u8()
	linkType := uint64(0)
	if flags&0x08 != 0 {
		linkType = c.u8()
	}
	if flags&0x04 != 0 {
		c.skip(8) // creation order
	}
	if flags&0x10 != 0 {
		c.skip(1) // charset
	}
	nameLen := int(c.uN(1 << (flags & 0x3)))
	name := c.take(nameLen)
	if c.err != nil || linkType != 0 {
		return h5Link{}, false
	}
	addr := c.uN(h.offSize)
	if c.err != nil || addr == h5UndefAddr {
		return h5Link{}, false
	}
	return h5Link{name: string(name), addr: h.abs(addr)}, true
}

// localHeapData returns the whole data segment of a local heap.
func (h *h5File) localHeapData(addr uint64) ([]byte, error) {
	head, err := h.readAt(addr, 8+2*h.lenSize+h.offSize)
	if err != nil {
		return nil, err
	}
	c := &cur{b: head}
	if sig := c.take(4); string(sig) != "HEAP" {
		return nil, errors.New("bad HDF5 local heap")
	}
	c.skip(4) // version + reserved
	segSize := int(c.uN(h.lenSize))
	c.uN(h.lenSize) // free list offset
	segAddr := c.uN(h.offSize)
	if c.err != nil {
		return nil, c.err
	}
	return h.readAt(h.abs(segAddr), segSize)
}

func cstringAt(heap []byte, off uint64) string {
	if off >= uint64(len(heap)) {
		return ""
	}
	rest := heap[off:]
	if i := strings.IndexByte(string(rest), 0); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

// walkGroupBtree descends a version 1 B-tree of symbol table nodes.
func (h *h5File) walkGroupBtree(addr uint64, heap []byte, out *[]h5Link) error {
	headLen := 8 + 2*h.offSize
	head, err := h.readAt(addr, headLen)
	if err != nil {
		return err
	}
	c := &cur{b: head}
	if sig := c.take(4); string(sig) != "TREE" {
		return errors.New("bad HDF5 B-tree node")
	}
	nodeType := int(c.u8())
	level := int(c.u8())
	entries := int(c.u16())
	c.uN(h.offSize) // left sibling
	c.uN(h.offSize) // right sibling
	if c.err != nil {
		return c.err
	}
	if nodeType != 0 {
		return fmt.Errorf("unexpected HDF5 B-tree node type %d", nodeType)
	}

	body, err := h.readAt(addr+uint64(headLen), (entries+1)*h.lenSize+entries*h.offSize)
	if err != nil {
		return err
	}
	bc := &cur{b: body}
	bc.uN(h.lenSize) // leading key
	for i := 0; i < entries; i++ {
		child := bc.uN(h.offSize)
		bc.uN(h.lenSize) // trailing key
		if bc.err != nil {
			return bc.err
		}
		if level > 0 {
			if err := h.walkGroupBtree(h.abs(child), heap, out); err != nil {
				return err
			}
			continue
		}
		if err := h.readSymbolNode(h.abs(child), heap, out); err != nil {
			return err
		}
	}
	return nil
}

func (h *h5File) readSymbolNode(addr uint64, heap []byte, out *[]h5Link) error {
	head, err := h.readAt(addr, 8)
	if err != nil {
		return err
	}
	c := &cur{b: head}
	if sig := c.take(4); string(sig) != "SNOD" {
		return errors.New("bad HDF5 symbol table node")
	}
	c.skip(2)
	count := int(c.u16())
	if c.err != nil {
		return c.err
	}

	entrySize := 2*h.offSize + 24
	body, err := h.readAt(addr+8, count*entrySize)
	if err != nil {
		return err
	}
	bc := &cur{b: body}
	for i := 0; i < count; i++ {
		nameOff := bc.uN(h.offSize)
		objAddr := bc.uN(h.offSize)
		bc.skip(24) // cache type + reserved + scratch
		if bc.err != nil {
			return bc.err
		}
		*out = append(*out, h5Link{name: cstringAt(heap, nameOff), addr: h.abs(objAddr)})
	}
	return nil
}

// readObject parses one top-level object header into its dataset or group
// description.
func (h *h5File) readObject(name string, addr uint64) (*h5Object, error) {
	msgs, err := h.readMessages(addr)
	if err != nil {
		return nil, err
	}
	obj := &h5Object{name: name, addr: addr, layout: h5Layout{addr: h5UndefAddr}}
	hasSpace, hasType := false, false

	for _, m := range msgs {
		switch m.typ {
		case h5MsgDataspace:
			obj.shape = h.parseDataspace(m.body)
			hasSpace = true
		case h5MsgDatatype:
			obj.dtype = parseDatatype(m.body)
			hasType = true
		case h5MsgLayout:
			layout, err := h.parseLayout(m.body)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", name, err)
			}
			obj.layout = layout
		case h5MsgFilterPipeline:
			obj.filters = parseFilterPipeline(m.body)
		case h5MsgAttribute:
			if aname, val, ok := parseAttribute(m.body); ok && aname == "MATLAB_class" {
				obj.matlabClass = val
			}
		case h5MsgSymbolTable, h5MsgLinkInfo:
			obj.isGroup = true
		}
	}
	if !hasSpace || !hasType {
		obj.isGroup = true
	}
	return obj, nil
}

func (h *h5File) parseDataspace(body []byte) []int {
	c := &cur{b: body}
	version := c.u8()
	rank := int(c.u8())
	c.skip(1) // flags
	if version == 1 {
		c.skip(5)
	} else {
		c.skip(1) // dataspace type
	}
	dims := make([]int, 0, rank)
	for i := 0; i < rank; i++ {
		dims = append(dims, int(c.uN(h.lenSize)))
	}
	if c.err != nil {
		return []int{}
	}
	return dims
}

func parseDatatype(body []byte) h5Datatype {
	c := &cur{b: body}
	b0 := c.u8()
	class := int(b0 & 0x0F)
	bits := c.take(3)
	size := int(c.u32())
	if c.err != nil {
		return h5Datatype{}
	}
	dt := h5Datatype{class: class, size: size}
	if len(bits) == 3 {
		dt.bigEndian = bits[0]&0x01 != 0
		dt.signed = bits[0]&0x08 != 0
	}
	switch class {
	case 0:
		prefix := "uint"
		if dt.signed {
			prefix = "int"
		}
		switch size {
		case 1, 2, 4, 8:
			dt.name = fmt.Sprintf("%s%d", prefix, size*8)
		}
	case 1:
		switch size {
		case 2:
			dt.name = "float16"
		case 4:
			dt.name = "float32"
		case 8:
			dt.name = "float64"
		}
	}
	return dt
}

func (h *h5File) parseLayout(body []byte) (h5Layout, error) {
	c := &cur{b: body}
	version := c.u8()
	if version != 3 {
		return h5Layout{}, fmt.Errorf("unsupported data layout version %d", version)
	}
	class := int(c.u8())
	layout := h5Layout{class: class, addr: h5UndefAddr}
	switch class {
	case h5LayoutCompact:
		n := int(c.u16())
		layout.compact = append([]byte(nil), c.take(n)...)
	case h5LayoutContiguous:
		layout.addr = c.uN(h.offSize)
		layout.size = c.uN(h.lenSize)
	case h5LayoutChunked:
		dim := int(c.u8())
		layout.addr = c.uN(h.offSize)
		dims := make([]int, 0, dim)
		for i := 0; i < dim; i++ {
			dims = append(dims, int(c.u32()))
		}
		if dim > 0 {
			layout.chunkDims = dims[:dim-1] // last entry is the element size
		}
	default:
		return h5Layout{}, fmt.Errorf("unsupported data layout class %d", class)
	}
	if c.err != nil {
		return h5Layout{}, c.err
	}
	return layout, nil
}

func parseFilterPipeline(body []byte) []int {
	c := &cur{b: body}
	version := c.u8()
	nfilters := int(c.u8())
	if version == 1 {
		c.skip(6)
	}
	var ids []int
	for i := 0; i < nfilters && c.err == nil; i++ {
		id := int(c.u16())
		nameLen := 0
		if version == 1 || id >= 256 {
			nameLen = int(c.u16())
		}
		c.skip(2) // flags
		nvals := int(c.u16())
		if version == 1 {
			if pad := nameLen % 8; pad != 0 {
				nameLen += 8 - pad
			}
		}
		c.skip(nameLen)
		c.skip(nvals * 4)
		if version == 1 && nvals%2 != 0 {
			c.skip(4)
		}
		if c.err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// parseAttribute returns the attribute name and its value decoded as a
// string, which covers the MATLAB_class tag.
func parseAttribute(body []byte) (string, string, bool) {
	c := &cur{b: body}
	version := c.u8()
	if version < 1 || version > 3 {
		return "", "", false
	}
	c.skip(1) // reserved in v1, flags in v2/v3
	nameSize := int(c.u16())
	dtSize := int(c.u16())
	dsSize := int(c.u16())
	if version == 3 {
		c.skip(1) // name encoding
	}

	pad := func(n int) int {
		if version == 1 && n%8 != 0 {
			return n + 8 - n%8
		}
		return n
	}
	nameRaw := c.take(pad(nameSize))
	c.skip(pad(dtSize))
	c.skip(pad(dsSize))
	if c.err != nil {
		return "", "", false
	}
	name := strings.TrimRight(string(nameRaw[:min(nameSize, len(nameRaw))]), "\x00")
	val := strings.TrimRight(string(c.b[c.off:]), "\x00 ")
	return name, val, true
}

func (h *h5File) topNames() []string {
	names := make([]string, 0, len(h.objects))
	for _, obj := range h.objects {
		names = append(names, obj.name)
	}
	return names
}

// indexVariables maps each top-level object to an index entry, classifying
// by MATLAB class first and stored dtype second.
func (h *h5File) indexVariables() []models.MatVariableIndex {
	out := make([]models.MatVariableIndex, 0, len(h.objects))
	for _, obj := range h.objects {
		class := strings.ToLower(obj.matlabClass)
		e := models.MatVariableIndex{Name: obj.name, Shape: obj.shape}
		if e.Shape == nil {
			e.Shape = []int{}
		}
		switch {
		case class == "cell":
			e.Kind, e.DType = models.MatKindCell, class
		case class == "struct":
			e.Kind, e.DType = models.MatKindStruct, class
		case obj.isGroup:
			e.Kind = models.MatKindStruct
			if class != "" {
				e.DType = class
			} else {
				e.DType = "group"
			}
		case obj.dtype.name != "":
			e.Kind, e.DType = models.MatKindNumericArray, obj.dtype.name
		case numericClasses[class]:
			e.Kind, e.DType = models.MatKindNumericArray, class
		case class == "char":
			e.Kind, e.DType = models.MatKindUnsupported, class
		default:
			e.Kind = models.MatKindUnsupported
			if d := obj.dtype.describe(); d != "unknown" || class == "" {
				e.DType = d
			} else {
				e.DType = class
			}
		}
		e.NDim = len(e.Shape)
		out = append(out, e)
	}
	return out
}

// numericArray reads a resolved top-level dataset in full.
func (h *h5File) numericArray(resolved string) (*Array, error) {
	obj := h.byName[resolved]
	if obj == nil {
		return nil, fmt.Errorf("Variable not found in MAT file: %s", resolved)
	}
	if obj.isGroup {
		return nil, errors.New("Selected variable is not a numeric dataset")
	}
	if obj.dtype.name == "" {
		return nil, errNotNumeric
	}
	return h.readDataset(obj)
}

func (h *h5File) readDataset(obj *h5Object) (*Array, error) {
	total := 1
	for _, d := range obj.shape {
		total *= d
	}
	out := make([]float64, total)

	switch obj.layout.class {
	case h5LayoutCompact:
		copy(out, convertH5(obj.layout.compact, obj.dtype, total))
	case h5LayoutContiguous:
		if obj.layout.addr != h5UndefAddr && total > 0 {
			raw, err := h.readAt(h.abs(obj.layout.addr), int(obj.layout.size))
			if err != nil {
				return nil, err
			}
			copy(out, convertH5(raw, obj.dtype, total))
		}
	case h5LayoutChunked:
		for _, id := range obj.filters {
			if id != h5FilterDeflate {
				return nil, fmt.Errorf("unsupported HDF5 filter %d", id)
			}
		}
		if len(obj.layout.chunkDims) != len(obj.shape) {
			return nil, errors.New("chunk rank does not match dataset rank")
		}
		if obj.layout.addr != h5UndefAddr {
			deflated := len(obj.filters) > 0
			if err := h.walkChunkBtree(h.abs(obj.layout.addr), obj, deflated, out); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported data layout class %d", obj.layout.class)
	}

	shape := obj.shape
	if shape == nil {
		shape = []int{}
	}
	return &Array{Shape: shape, Data: out, DType: obj.dtype.name}, nil
}

// walkChunkBtree descends a version 1 B-tree of raw data chunks, inflating
// and scattering each one into the full array.
func (h *h5File) walkChunkBtree(addr uint64, obj *h5Object, deflated bool, out []float64) error {
	headLen := 8 + 2*h.offSize
	head, err := h.readAt(addr, headLen)
	if err != nil {
		return err
	}
	c := &cur{b: head}
	if sig := c.take(4); string(sig) != "TREE" {
		return errors.New("bad HDF5 chunk B-tree node")
	}
	nodeType := int(c.u8())
	level := int(c.u8())
	entries := int(c.u16())
	c.uN(h.offSize)
	c.uN(h.offSize)
	if c.err != nil {
		return c.err
	}
	if nodeType != 1 {
		return fmt.Errorf("unexpected HDF5 B-tree node type %d", nodeType)
	}

	keySize := 8 + 8*(len(obj.layout.chunkDims)+1)
	body, err := h.readAt(addr+uint64(headLen), (entries+1)*keySize+entries*h.offSize)
	if err != nil {
		return err
	}
	bc := &cur{b: body}
	for i := 0; i < entries; i++ {
		chunkSize := int(bc.u32())
		filterMask := bc.u32()
		origin := make([]int, len(obj.layout.chunkDims))
		for d := range origin {
			origin[d] = int(bc.u64())
		}
		bc.u64() // element-size dimension offset
		child := bc.uN(h.offSize)
		if bc.err != nil {
			return bc.err
		}

		if level > 0 {
			if err := h.walkChunkBtree(h.abs(child), obj, deflated, out); err != nil {
				return err
			}
			continue
		}

		raw, err := h.readAt(h.abs(child), chunkSize)
		if err != nil {
			return err
		}
		if deflated && filterMask&1 == 0 {
			raw, err = inflate(raw)
			if err != nil {
				return err
			}
		}
		vals := convertH5(raw, obj.dtype, dimProduct(obj.layout.chunkDims))
		scatterChunk(out, obj.shape, origin, obj.layout.chunkDims, vals)
	}
	return nil
}

// scatterChunk copies one chunk's values into the full array, clipping
// partial chunks at the dataset edge.
func scatterChunk(out []float64, shape, origin, chunkDims []int, vals []float64) {
	if len(shape) == 0 {
		if len(vals) > 0 && len(out) > 0 {
			out[0] = vals[0]
		}
		return
	}
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	idx := make([]int, len(chunkDims))
	for _, v := range vals {
		inside := true
		flat := 0
		for d := range idx {
			t := origin[d] + idx[d]
			if t >= shape[d] {
				inside = false
				break
			}
			flat += t * strides[d]
		}
		if inside {
			out[flat] = v
		}
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < chunkDims[i] {
				break
			}
			idx[i] = 0
		}
	}
}

// convertH5 widens stored dataset bytes to float64 values.
func convertH5(raw []byte, dt h5Datatype, limit int) []float64 {
	if dt.size <= 0 {
		return nil
	}
	bo := binary.ByteOrder(h5LE)
	if dt.bigEndian {
		bo = binary.BigEndian
	}
	n := len(raw) / dt.size
	if n > limit {
		n = limit
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		chunk := raw[i*dt.size:]
		switch dt.name {
		case "float64":
			out[i] = math.Float64frombits(bo.Uint64(chunk))
		case "float32":
			out[i] = float64(math.Float32frombits(bo.Uint32(chunk)))
		case "float16":
			out[i] = float64(halfToFloat32(bo.Uint16(chunk)))
		case "int8":
			out[i] = float64(int8(chunk[0]))
		case "uint8":
			out[i] = float64(chunk[0])
		case "int16":
			out[i] = float64(int16(bo.Uint16(chunk)))
		case "uint16":
			out[i] = float64(bo.Uint16(chunk))
		case "int32":
			out[i] = float64(int32(bo.Uint32(chunk)))
		case "uint32":
			out[i] = float64(bo.Uint32(chunk))
		case "int64":
			out[i] = float64(int64(bo.Uint64(chunk)))
		case "uint64":
			out[i] = float64(bo.Uint64(chunk))
		}
	}
	return out
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	switch {
	case exp == 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		return math.Float32frombits(sign | e<<23 | (frac&0x3FF)<<13)
	case exp == 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}
