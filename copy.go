package capnp

import "capnproto.org/go/capnp/v3/exc"

// CopyPtr makes a deep copy of src into dst's segment's message,
// returning the copied pointer. Unlike SetPtr's aliasing shortcuts,
// CopyPtr always produces an independent copy, which is what the RPC
// layer needs when lifting a payload's contents out of a received
// message that is about to be released.
func CopyPtr(dst *Segment, src Ptr) (Ptr, error) {
	return copyPtrDepth(dst, src, maxDepth)
}

func copyPtrDepth(dst *Segment, src Ptr, depth uint) (Ptr, error) {
	if !src.IsValid() {
		return Ptr{}, nil
	}
	if depth == 0 {
		return Ptr{}, errDepthLimit
	}
	switch src.flags.ptrType() {
	case structPtrType:
		return copyStructDeep(dst, src.Struct(), depth)
	case listPtrType:
		return copyListDeep(dst, src.List(), depth)
	case interfacePtrType:
		iface := src.Interface()
		capID := dst.msg.AddCap(iface.Client().AddRef())
		return NewInterface(dst, capID).ToPtr(), nil
	default:
		return Ptr{}, exc.Errorf("copy: unknown pointer type")
	}
}

func copyStructDeep(dst *Segment, src Struct, depth uint) (Ptr, error) {
	if !src.IsValid() {
		return Ptr{}, nil
	}
	ns, err := NewStruct(dst, src.size)
	if err != nil {
		return Ptr{}, exc.WrapError("copy struct", err)
	}
	copy(ns.seg.data[ns.off:ns.off+address(src.size.DataSize)], src.seg.data[src.off:src.off+address(src.size.DataSize)])
	for i := uint16(0); i < src.size.PointerCount; i++ {
		p, err := src.Ptr(i)
		if err != nil {
			return Ptr{}, exc.WrapError("copy struct", err)
		}
		cp, err := copyPtrDepth(ns.seg, p, depth-1)
		if err != nil {
			return Ptr{}, exc.WrapError("copy struct", err)
		}
		if err := ns.SetPtr(i, cp); err != nil {
			return Ptr{}, exc.WrapError("copy struct", err)
		}
	}
	return ns.ToPtr(), nil
}

func copyListDeep(dst *Segment, src List, depth uint) (Ptr, error) {
	if !src.IsValid() {
		return Ptr{}, nil
	}
	if src.flags&isBitList != 0 {
		nl, err := NewBitList(dst, src.length)
		if err != nil {
			return Ptr{}, exc.WrapError("copy list", err)
		}
		for i := 0; i < src.Len(); i++ {
			nl.setBitAt(i, src.bitAt(i))
		}
		return nl.ToPtr(), nil
	}
	if src.size.PointerCount == 0 {
		sz := src.allocSize()
		nseg, addr, err := alloc(dst, sz)
		if err != nil {
			return Ptr{}, exc.WrapError("copy list", err)
		}
		end, _ := src.off.addSize(sz)
		copy(nseg.data[addr:], src.seg.data[src.off:end])
		nl := List{seg: nseg, off: addr, length: src.length, size: src.size, flags: src.flags, depthLimit: maxDepth}
		return nl.ToPtr(), nil
	}
	if src.flags&isCompositeList != 0 {
		nl, err := NewCompositeList(dst, src.size, src.length)
		if err != nil {
			return Ptr{}, exc.WrapError("copy list", err)
		}
		for i := 0; i < src.Len(); i++ {
			cp, err := copyStructDeep(nl.seg, src.Struct(i), depth-1)
			if err != nil {
				return Ptr{}, err
			}
			if err := copyStruct(nl.Struct(i), cp.Struct()); err != nil {
				return Ptr{}, exc.WrapError("copy list", err)
			}
		}
		return nl.ToPtr(), nil
	}
	nl, err := NewPointerList(dst, src.length)
	if err != nil {
		return Ptr{}, exc.WrapError("copy list", err)
	}
	pl := PointerList{src}
	for i := 0; i < src.Len(); i++ {
		p, err := pl.At(i)
		if err != nil {
			return Ptr{}, exc.WrapError("copy list", err)
		}
		cp, err := copyPtrDepth(nl.seg, p, depth-1)
		if err != nil {
			return Ptr{}, err
		}
		if err := nl.Set(i, cp); err != nil {
			return Ptr{}, exc.WrapError("copy list", err)
		}
	}
	return nl.ToPtr(), nil
}
