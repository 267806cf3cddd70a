package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	BundlesBroadcast  Counter
	BroadcastFailed   Counter
	JobsCompleted     Counter
	JobsFailed        Counter
	Rebalances        Counter
	PanicUnwinds      Counter
	ForcedExits       Counter
	StasisTransitions Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		BundlesBroadcast:  n,
		BroadcastFailed:   n,
		JobsCompleted:     n,
		JobsFailed:        n,
		Rebalances:        n,
		PanicUnwinds:      n,
		ForcedExits:       n,
		StasisTransitions: n,
	}
}
