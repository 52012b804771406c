// Package vm implements user address spaces on top of a simulated frame
// pool, and the copyin/copyout routines through which the kernel touches
// user memory.
//
// User addresses are 32 bits wide. Everything at or above UserSpaceTop
// belongs to the kernel, and page zero is never mapped, so a null pointer
// always faults. Words are stored big-endian, as on the MIPS machine the
// user ABI comes from.
package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"kernsim/pkg/errno"
)

const (
	// PageSize is the size of a page and of a physical frame.
	PageSize = 4096
	// UserSpaceTop is the first address that is not user space.
	UserSpaceTop = 0x80000000
	// UserStack is the initial stack pointer of a new image.
	UserStack = UserSpaceTop
	// StackPages is the size of the user stack region.
	StackPages = 12
)

// Perm is a set of region permissions.
type Perm uint8

// Region permissions.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

var errFault = fmt.Errorf("vm: bad user address: %w", errno.EFAULT)

type region struct {
	base  uint32
	end   uint32 // exclusive
	perms Perm
}

// AddrSpace is a user address space. Pages inside defined regions are
// backed by frames on first write; reads of untouched pages see zeros.
type AddrSpace struct {
	mu        sync.Mutex
	mem       *Memory
	regions   []region
	pages     map[uint32][]byte // page number to contents
	active    bool
	destroyed bool
}

// New creates an empty address space. One frame is charged for the page
// table itself, so creation fails with ENOMEM on an exhausted pool.
func New(mem *Memory) (*AddrSpace, error) {
	if err := mem.Alloc(1); err != nil {
		return nil, err
	}
	return &AddrSpace{mem: mem, pages: make(map[uint32][]byte)}, nil
}

// DefineRegion sets up a region of size bytes at vaddr. The region is
// widened to page boundaries.
func (as *AddrSpace) DefineRegion(vaddr, size uint32, perms Perm) error {
	base := vaddr &^ (PageSize - 1)
	end64 := (uint64(vaddr) + uint64(size) + PageSize - 1) &^ (PageSize - 1)
	if base == 0 || end64 > UserSpaceTop || size == 0 {
		return fmt.Errorf("vm: region %#x+%#x: %w", vaddr, size, errno.EINVAL)
	}
	end := uint32(end64)

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if base < r.end && r.base < end {
			return fmt.Errorf("vm: region %#x+%#x overlaps %#x: %w", vaddr, size, r.base, errno.EINVAL)
		}
	}
	as.regions = append(as.regions, region{base: base, end: end, perms: perms})
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].base < as.regions[j].base })
	return nil
}

// DefineStack sets up the user stack and returns the initial stack pointer.
func (as *AddrSpace) DefineStack() (uint32, error) {
	size := uint32(StackPages * PageSize)
	if err := as.DefineRegion(UserStack-size, size, PermRead|PermWrite); err != nil {
		return 0, err
	}
	return UserStack, nil
}

// Copy returns a deep copy of as. Frames for the copy are charged up front,
// so on ENOMEM nothing has been allocated.
func (as *AddrSpace) Copy() (*AddrSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.mem.Alloc(1 + len(as.pages)); err != nil {
		return nil, err
	}
	n := &AddrSpace{
		mem:     as.mem,
		regions: append([]region(nil), as.regions...),
		pages:   make(map[uint32][]byte, len(as.pages)),
	}
	for vpn, page := range as.pages {
		n.pages[vpn] = append([]byte(nil), page...)
	}
	return n, nil
}

// Destroy releases every frame held by as. Further use is a bug.
func (as *AddrSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		panic("vm: address space destroyed twice")
	}
	as.destroyed = true
	as.active = false
	as.mem.Free(1 + len(as.pages))
	as.pages = nil
	as.regions = nil
}

// Activate makes as the address space of the running thread.
func (as *AddrSpace) Activate() {
	as.mu.Lock()
	as.active = true
	as.mu.Unlock()
}

// Deactivate undoes Activate.
func (as *AddrSpace) Deactivate() {
	as.mu.Lock()
	as.active = false
	as.mu.Unlock()
}

// Active reports whether as is activated.
func (as *AddrSpace) Active() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.active
}

// Pages returns the number of frames backing user pages.
func (as *AddrSpace) Pages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}

// checkRange verifies that [addr, addr+n) lies inside defined regions.
// Callers hold as.mu.
func (as *AddrSpace) checkRange(addr uint32, n int) error {
	if addr == 0 {
		return errFault
	}
	end := uint64(addr) + uint64(n)
	if end > UserSpaceTop {
		return errFault
	}
	cur := uint64(addr)
	for cur < end {
		r := as.find(uint32(cur))
		if r == nil {
			return errFault
		}
		cur = uint64(r.end)
	}
	return nil
}

func (as *AddrSpace) find(addr uint32) *region {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].end > addr })
	if i < len(as.regions) && as.regions[i].base <= addr {
		return &as.regions[i]
	}
	return nil
}

// ValidRange reports whether n bytes at addr are user memory that the
// kernel may copy to or from.
func (as *AddrSpace) ValidRange(addr uint32, n int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return !as.destroyed && as.checkRange(addr, n) == nil
}

// CopyIn copies len(dst) bytes from user address src.
func (as *AddrSpace) CopyIn(dst []byte, src uint32) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkRange(src, len(dst)); err != nil {
		return err
	}
	for done := 0; done < len(dst); {
		addr := src + uint32(done)
		off := int(addr % PageSize)
		chunk := min(PageSize-off, len(dst)-done)
		if page := as.pages[addr/PageSize]; page != nil {
			copy(dst[done:done+chunk], page[off:])
		} else {
			clear(dst[done : done+chunk])
		}
		done += chunk
	}
	return nil
}

// CopyOut copies src to user address dst, backing pages with frames as
// needed.
func (as *AddrSpace) CopyOut(dst uint32, src []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkRange(dst, len(src)); err != nil {
		return err
	}
	for done := 0; done < len(src); {
		addr := dst + uint32(done)
		off := int(addr % PageSize)
		chunk := min(PageSize-off, len(src)-done)
		page, err := as.back(addr / PageSize)
		if err != nil {
			return err
		}
		copy(page[off:], src[done:done+chunk])
		done += chunk
	}
	return nil
}

// Prefault backs the n bytes at addr with frames without changing their
// contents, so that a later CopyOut to the range cannot fail.
func (as *AddrSpace) Prefault(addr uint32, n int) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkRange(addr, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	last := (uint64(addr) + uint64(n) - 1) / PageSize
	for vpn := uint64(addr / PageSize); vpn <= last; vpn++ {
		if _, err := as.back(uint32(vpn)); err != nil {
			return err
		}
	}
	return nil
}

// back returns page vpn, allocating a zeroed frame for it if needed.
// Callers hold as.mu.
func (as *AddrSpace) back(vpn uint32) ([]byte, error) {
	if page := as.pages[vpn]; page != nil {
		return page, nil
	}
	if err := as.mem.Alloc(1); err != nil {
		return nil, err
	}
	page := make([]byte, PageSize)
	as.pages[vpn] = page
	return page, nil
}

// CopyInStr copies a NUL-terminated string of at most max bytes, the
// terminator included, from user address src.
func (as *AddrSpace) CopyInStr(src uint32, max int) (string, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < max; i++ {
		if err := as.CopyIn(b[:], src+uint32(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("vm: string at %#x: %w", src, errno.ENAMETOOLONG)
}

// CopyInWord reads a 32-bit word from user address src.
func (as *AddrSpace) CopyInWord(src uint32) (uint32, error) {
	var b [4]byte
	if err := as.CopyIn(b[:], src); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// CopyOutWord writes a 32-bit word to user address dst.
func (as *AddrSpace) CopyOutWord(dst, w uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], w)
	return as.CopyOut(dst, b[:])
}
