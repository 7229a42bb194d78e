package mm

const (
	// PointerShift is equal to log2(size of a page table entry). Entries
	// are always 8 bytes wide.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries held by a single page
	// table page.
	EntriesPerTable = int(PageSize >> PointerShift)
)
