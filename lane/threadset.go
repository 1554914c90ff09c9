package lane

// ThreadLaneSet is the process-local handle a Session builds once per
// thread: the Go-side Index and Detail lane wrappers (each holding live
// *ringbuf.Ring pointers into this process's own mapping) keyed by the
// thread identity and slot index the registry assigned. Whether the slot
// is currently active is authoritative in the shared registry region
// (registry.Slot.Active), not here — this type is a cache built on top
// of a claimed/published slot, not the source of truth a separate agent
// process would observe.
type ThreadLaneSet struct {
	ThreadID  uint64
	SlotIndex uint32

	Index  *Lane
	Detail *Lane
}

// NewThreadLaneSet builds the process-local lane handles for threadID at
// slotIndex, after the registry has claimed that slot and before it is
// published.
func NewThreadLaneSet(threadID uint64, slotIndex uint32, index, detail *Lane) *ThreadLaneSet {
	return &ThreadLaneSet{ThreadID: threadID, SlotIndex: slotIndex, Index: index, Detail: detail}
}
