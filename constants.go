package nvme

import "github.com/behrlich/go-nvme/internal/constants"

// Re-exported defaults; see internal/constants for rationale.
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize        = constants.DefaultMaxIOSize
	DefaultCMBSizeMB        = constants.DefaultCMBSizeMB
	DefaultNumQueues        = constants.DefaultNumQueues
	AutoAssignDeviceID      = constants.AutoAssignDeviceID
)
