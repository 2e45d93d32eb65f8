package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesCompleted Counter
	CyclesSkipped   Counter
	Entries         Counter
	Exits           Counter
	Hedges          Counter
	OrdersFailed    Counter
	GatewayFailures Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesCompleted: n,
		CyclesSkipped:   n,
		Entries:         n,
		Exits:           n,
		Hedges:          n,
		OrdersFailed:    n,
		GatewayFailures: n,
	}
}
