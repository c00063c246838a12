package rt

import (
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/device"
)

// ErrBadEntryArgs reports a malformed orchestration argument block.
var ErrBadEntryArgs = errors.New("malformed entry arguments")

// EntryArgs is the fixed positional ABI the graph-building entry point
// accepts from its caller: an ordered list of device tensor addresses,
// followed by their sizes in bytes, followed by a total-size parameter.
type EntryArgs struct {
	Addrs []device.Addr
	Sizes []uint64
	Total uint64
}

// ParseEntryArgs decodes a raw argument block carrying n tensors. The block
// must hold exactly 2n+1 words: n addresses, n sizes, and the trailing total
// size.
func ParseEntryArgs(raw []uint64, n int) (EntryArgs, error) {
	if n < 0 || len(raw) != 2*n+1 {
		return EntryArgs{}, fmt.Errorf("%w: %d words for %d tensors (want %d)", ErrBadEntryArgs, len(raw), n, 2*n+1)
	}
	args := EntryArgs{
		Addrs: make([]device.Addr, n),
		Sizes: make([]uint64, n),
		Total: raw[2*n],
	}
	for i := 0; i < n; i++ {
		if raw[i] == 0 {
			return EntryArgs{}, fmt.Errorf("%w: tensor %d has a zero device address", ErrBadEntryArgs, i)
		}
		args.Addrs[i] = device.Addr(raw[i])
		args.Sizes[i] = raw[n+i]
	}
	return args, nil
}

// Pack encodes the argument block back into its positional layout.
func (a EntryArgs) Pack() []uint64 {
	out := make([]uint64, 0, 2*len(a.Addrs)+1)
	for _, addr := range a.Addrs {
		out = append(out, uint64(addr))
	}
	out = append(out, a.Sizes...)
	out = append(out, a.Total)
	return out
}
