package meter

import "github.com/nivaro/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRequest(creditgate.RequestEvent)           {}
func (m *NoopMeter) OnProviderCall(creditgate.ProviderCallEvent) {}
func (m *NoopMeter) OnCharge(creditgate.ChargeEvent)             {}
