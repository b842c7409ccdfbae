package okv

import (
	"fmt"

	"github.com/nextcore/kvdbo"
)

var (
	// errCorruptMaster/errCorruptNode surface as kvdbo.ErrCorrupted to
	// callers; they stay unexported because they only ever appear
	// wrapped (see flush/load call sites).
	errCorruptMaster = fmt.Errorf("okv: corrupted master node: %w", kvdbo.ErrCorrupted)
	errCorruptNode   = fmt.Errorf("okv: corrupted node payload: %w", kvdbo.ErrCorrupted)
)
