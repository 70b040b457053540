package meter

import "github.com/nivaro/creditgate"

// Multi fans events out to several meters, in order.
func Multi(meters ...creditgate.Meter) creditgate.Meter {
	return multiMeter(meters)
}

type multiMeter []creditgate.Meter

var _ creditgate.Meter = (multiMeter)(nil)

func (m multiMeter) OnRequest(e creditgate.RequestEvent) {
	for _, meter := range m {
		meter.OnRequest(e)
	}
}

func (m multiMeter) OnProviderCall(e creditgate.ProviderCallEvent) {
	for _, meter := range m {
		meter.OnProviderCall(e)
	}
}

func (m multiMeter) OnCharge(e creditgate.ChargeEvent) {
	for _, meter := range m {
		meter.OnCharge(e)
	}
}
