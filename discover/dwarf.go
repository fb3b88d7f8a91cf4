// Package discover implements FunctionDiscovery (spec.md §4.4, §4.5): the
// DWARF-backed path grounded on the teacher's data/functionentry.go,
// data/cuentry.go, data/debugentry.go and data/lineentry.go, and a
// heuristic disassembly path for stripped binaries.
package discover

import (
	"debug/dwarf"
	"sort"

	delveop "github.com/go-delve/delve/pkg/dwarf/op"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/objfile"
)

// DWARF walks every compilation unit of f's debug info and returns one
// fntrace.Function per subprogram entry that has both a name and a
// resolved entry address (spec.md §4.4 step 2).
func DWARF(f objfile.File) ([]fntrace.Function, error) {
	data, err := f.DWARF()
	if err != nil {
		return nil, fntrace.Error(err)
	}

	stmtAddrs, err := statementAddresses(data)
	if err != nil {
		return nil, fntrace.Error(err)
	}

	var functions []fntrace.Function

	reader := data.Reader()
	for cu, err := reader.Next(); cu != nil; cu, err = reader.Next() {
		if err != nil {
			return nil, fntrace.Error(err)
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}

		for entry, err := reader.Next(); entry != nil && entry.Tag != 0; entry, err = reader.Next() {
			if err != nil {
				return nil, fntrace.Error(err)
			}
			if entry.Tag != dwarf.TagSubprogram {
				reader.SkipChildren()
				continue
			}

			fn, ok := subprogramToFunction(data, reader, entry, stmtAddrs)
			if ok {
				functions = append(functions, fn)
			}
		}
	}

	return functions, nil
}

func subprogramToFunction(data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry, stmtAddrs []uint64) (fntrace.Function, bool) {
	name, hasName := entry.Val(dwarf.AttrName).(string)
	lowpc, hasLow := entry.Val(dwarf.AttrLowpc).(uint64)
	if !hasName || !hasLow {
		reader.SkipChildren()
		return fntrace.Function{}, false
	}

	fn := fntrace.Function{
		Address: uintptr(lowpc),
		Name:    name,
	}

	if highpc, ok := highPC(entry, lowpc); ok {
		if addr, found := prologueEnd(lowpc, highpc, stmtAddrs); found {
			a := uintptr(addr)
			fn.PrologueEndAddr = &a
		}
	}

	if entry.Children {
		params, err := formalParameters(data, reader)
		if err == nil {
			fn.Parameters = params
		}
	}

	return fn, true
}

// highPC interprets DW_AT_high_pc as either an absolute address or, per
// DWARF4+, an offset from low_pc.
func highPC(entry *dwarf.Entry, lowpc uint64) (uint64, bool) {
	v := entry.Val(dwarf.AttrHighpc)
	switch val := v.(type) {
	case uint64:
		if val < lowpc {
			return lowpc + val, true
		}
		return val, true
	case int64:
		return lowpc + uint64(val), true
	default:
		return 0, false
	}
}

// prologueEnd finds the first is_stmt row strictly inside (low_pc, high_pc)
// (spec.md §4.4 "Line-statement addresses").
func prologueEnd(lowpc, highpc uint64, stmtAddrs []uint64) (uint64, bool) {
	idx := sort.Search(len(stmtAddrs), func(i int) bool { return stmtAddrs[i] > lowpc })
	for ; idx < len(stmtAddrs); idx++ {
		a := stmtAddrs[idx]
		if a >= highpc {
			break
		}
		return a, true
	}
	return 0, false
}

// statementAddresses walks every compilation unit's line program once,
// collecting ascending-sorted addresses of rows with is_stmt set.
func statementAddresses(data *dwarf.Data) ([]uint64, error) {
	var addrs []uint64

	reader := data.Reader()
	for cu, err := reader.Next(); cu != nil; cu, err = reader.Next() {
		if err != nil {
			return nil, fntrace.Error(err)
		}
		reader.SkipChildren()
		if cu.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := data.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}

		var row dwarf.LineEntry
		for {
			if err := lr.Next(&row); err != nil {
				break
			}
			if row.IsStmt {
				addrs = append(addrs, row.Address)
			}
		}
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

// formalParameters reads entry's DW_TAG_formal_parameter children in
// declaration order, classifying each one's storage (spec.md §4.4 step 3)
// and type (step 4). The reader must be positioned right after the parent
// subprogram entry.
func formalParameters(data *dwarf.Data, reader *dwarf.Reader) ([]fntrace.Parameter, error) {
	var params []fntrace.Parameter

	depth := 0
	for {
		entry, err := reader.Next()
		if err != nil {
			return params, fntrace.Error(err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			if depth == 0 {
				break
			}
			depth--
			continue
		}
		if entry.Children {
			depth++
		}
		if depth > 0 || entry.Tag != dwarf.TagFormalParameter {
			if entry.Children {
				reader.SkipChildren()
				depth--
			}
			continue
		}

		params = append(params, classifyParameter(data, entry))
	}

	return params, nil
}

func classifyParameter(data *dwarf.Data, entry *dwarf.Entry) fntrace.Parameter {
	loc, hasLoc := entry.Val(dwarf.AttrLocation).([]byte)

	if hasLoc && len(loc) > 0 {
		if reg, ok := registerFromExpr(loc); ok {
			return fntrace.Parameter{Formal: &fntrace.FormalParameter{
				Name:    entryName(entry),
				Storage: fntrace.RegisterStorage{Reg: reg},
				Type:    paramType(data, entry),
			}}
		}

		if offset, ok := frameRelativeOffsetFromExpr(loc); ok {
			size, hasSize := entry.Val(dwarf.AttrByteSize).(int64)
			if !hasSize {
				if t := paramType(data, entry); t != nil {
					size = int64(t.Size)
					hasSize = true
				}
			}
			if !hasSize {
				return fntrace.Parameter{Failure: fntrace.FailureDwarfNoSize}
			}

			return fntrace.Parameter{Formal: &fntrace.FormalParameter{
				Name: entryName(entry),
				Storage: fntrace.MemoryStorage{
					Base:   fntrace.FrameBaseRBP,
					Offset: offset,
					Size:   uint64(size),
				},
				Type: paramType(data, entry),
			}}
		}
	}

	return fntrace.Parameter{Failure: fntrace.FailureDwarfNoFrameLocNoReg}
}

func entryName(entry *dwarf.Entry) string {
	name, _ := entry.Val(dwarf.AttrName).(string)
	return name
}

// registerFromExpr recognizes a single-op DW_OP_regN / DW_OP_regx location
// expression (spec.md §4.4: "at least one register location description").
func registerFromExpr(expr []byte) (uint64, bool) {
	if len(expr) == 0 {
		return 0, false
	}

	op := delveop.Opcode(expr[0])
	switch {
	case op >= delveop.DW_OP_reg0 && op <= delveop.DW_OP_reg31:
		return uint64(op - delveop.DW_OP_reg0), true
	case op == delveop.DW_OP_regx:
		n, _ := uleb128(expr[1:])
		return n, true
	default:
		return 0, false
	}
}

// frameRelativeOffsetFromExpr recognizes DW_OP_fbreg, a signed offset from
// the function's frame base (spec.md §4.4: "frame-base-relative location
// description").
func frameRelativeOffsetFromExpr(expr []byte) (int64, bool) {
	if len(expr) == 0 || delveop.Opcode(expr[0]) != delveop.DW_OP_fbreg {
		return 0, false
	}
	off, _ := sleb128(expr[1:])
	return off, true
}

func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(b); i++ {
		result |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			i++
			break
		}
		shift += 7
	}
	return result, i
}

func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var byteVal byte
	for i = 0; i < len(b); i++ {
		byteVal = b[i]
		result |= int64(byteVal&0x7f) << shift
		shift += 7
		if byteVal&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && byteVal&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}

// paramType translates a formal parameter's DW_AT_type per spec.md §4.4
// step 4: void -> Void, base types with known byte size -> Base, anything
// else -> None (nil).
func paramType(data *dwarf.Data, entry *dwarf.Entry) *fntrace.TypeKind {
	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return &fntrace.TypeKind{Void: true}
	}

	typ, err := data.Type(off)
	if err != nil {
		return nil
	}

	base, ok := typ.(*dwarf.BasicType)
	if !ok || base.ByteSize <= 0 {
		return nil
	}

	enc := fntrace.EncodingUnsigned
	switch {
	case isAddressEncoding(base.CommonType.Name):
		enc = fntrace.EncodingAddress
	case isSignedEncoding(base.CommonType.Name):
		enc = fntrace.EncodingSigned
	}

	return &fntrace.TypeKind{Size: uint64(base.ByteSize), Encoding: enc}
}

func isAddressEncoding(name string) bool {
	return name == "unsigned long" || name == "void*"
}

func isSignedEncoding(name string) bool {
	switch name {
	case "int", "long int", "long long int", "short int", "signed char":
		return true
	default:
		return false
	}
}
