//go:build !unix

package arena

import (
	"fmt"

	"github.com/irctrakz/pktpool/pkg/core"
)

func newMmap(Options) (Allocator, error) {
	return nil, fmt.Errorf("%w: mmap arenas are not supported on this platform", core.ErrInvalidConfig)
}
