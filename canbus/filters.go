package canbus

// ByID matches one identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByMask matches when the identifier agrees with id on every bit set in
// mask. It is the software twin of a KernelFilter.
func ByMask(id, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return f.ID&mask == want }
}

// ExtendedOnly matches 29-bit identifiers.
func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

// DataOnly matches data frames.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// RTROnly matches remote requests.
func RTROnly() FrameFilter {
	return func(f Frame) bool { return f.RTR }
}

// And matches when every non-nil filter matches. And() matches everything.
func And(filters ...FrameFilter) FrameFilter {
	fs := nonNil(filters)
	if len(fs) == 1 {
		return fs[0]
	}
	return func(f Frame) bool {
		for _, ff := range fs {
			if !ff(f) {
				return false
			}
		}
		return true
	}
}

// Or matches when any non-nil filter matches. Or() matches nothing.
func Or(filters ...FrameFilter) FrameFilter {
	fs := nonNil(filters)
	if len(fs) == 1 {
		return fs[0]
	}
	return func(f Frame) bool {
		for _, ff := range fs {
			if ff(f) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter. Not(nil) matches nothing, since a nil filter
// accepts every frame.
func Not(a FrameFilter) FrameFilter {
	if a == nil {
		return func(Frame) bool { return false }
	}
	return func(f Frame) bool { return !a(f) }
}

func nonNil(filters []FrameFilter) []FrameFilter {
	var out []FrameFilter
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
