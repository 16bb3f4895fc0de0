package sigcomm

// CollectiveEngine moves bulk payloads (reductions, data broadcasts) between
// devices. It is supplied by an accelerator collective library; signals never
// travel through it and it never travels through signals.
type CollectiveEngine interface {
	// Reduce reduces buf across the group into root's buf.
	Reduce(root int, buf []byte) error
	// BroadcastData copies root's buf into every other member's buf.
	BroadcastData(root int, buf []byte) error
}

// noopEngine is the engine used when none is configured. Every call succeeds
// without touching buf.
type noopEngine struct{}

func (noopEngine) Reduce(root int, buf []byte) error        { return nil }
func (noopEngine) BroadcastData(root int, buf []byte) error { return nil }
