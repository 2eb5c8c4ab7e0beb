package actlog

import "github.com/nblockio/actlog/internal/constants"

// Re-exported sizing constants callers need to compute sector/extent
// arithmetic against a Device without reaching into internal/constants.
const (
	SectorSize        = constants.SectorSize
	ALExtentSize      = constants.ALExtentSize
	BMExtentSize      = constants.BMExtentSize
	MetadataBlockSize = constants.MetadataBlockSize
)
