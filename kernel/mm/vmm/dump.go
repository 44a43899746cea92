package vmm

import (
	"io"

	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// DumpDirectory outputs the present entries of the active page directory to
// w. Kernel area entries are only listed if includeKernel is set.
func DumpDirectory(w io.Writer, includeKernel bool) {
	defer enterCriticalSection()()

	kfmt.Fprintf(w, "page directory at frame 0x%x:\n", uintptr(activeSpace.pdFrame))

	dir := currentWindow.directory()
	for pdIndex := uintptr(0); pdIndex < entriesPerTable; pdIndex++ {
		pde := dir[pdIndex]
		if !pde.HasFlags(FlagPresent) || (!includeKernel && pdIndex >= kernelPDIndex) {
			continue
		}

		kfmt.Fprintf(w, "[%4d] 0x%8x: table=0x%x %s\n", pdIndex, pdIndex<<pdShift, uintptr(pde.Frame()), pde.flagString())

		// the recursive slot maps the directory itself
		if pdIndex == selfPDIndex {
			continue
		}

		table := currentWindow.table(pdIndex)
		for ptIndex := uintptr(0); ptIndex < entriesPerTable; ptIndex++ {
			pte := table[ptIndex]
			if !pte.HasFlags(FlagPresent) {
				continue
			}

			kfmt.Fprintf(w, "\t0x%8x -> frame 0x%x %s\n", pdIndex<<pdShift|ptIndex<<mm.PageShift, uintptr(pte.Frame()), pte.flagString())
		}
	}
}

// flagString returns a compact description of the entry flags.
func (pte pageTableEntry) flagString() string {
	flags := []byte("-----")
	for i, flag := range []struct {
		f PageTableEntryFlag
		c byte
	}{
		{FlagPresent, 'p'},
		{FlagRW, 'w'},
		{FlagUserAccessible, 'u'},
		{FlagGlobal, 'g'},
		{FlagCopyOnWrite, 'c'},
	} {
		if pte.HasFlags(flag.f) {
			flags[i] = flag.c
		}
	}
	return string(flags)
}
