package common

// CostMultiplier derives the scalar routing cost from a resource sample.
// The formula is fixed: every node pricing the same sample must reach the
// same multiplier, so it lives here rather than behind any interface.
func (s *CostSample) CostMultiplier() float64 {
	power := 1.0
	if !s.PluggedIn {
		if s.BatteryPercent > 50 {
			power = 2.0
		} else {
			power = 3.0
		}
	}

	cpu := 1.0
	switch {
	case s.CPULoad > 0.75:
		cpu = 2.0
	case s.CPULoad > 0.5:
		cpu = 1.6
	}

	mem := 1.0
	switch {
	case s.MemoryPercent > 90:
		mem = 2.5
	case s.MemoryPercent > 80:
		mem = 1.5
	}

	network := 1.0
	if s.NetworkMetered {
		network = 1.5
	}

	compute := cpu
	if mem > compute {
		compute = mem
	}

	cost := power * compute * network
	if cost < 1.0 {
		cost = 1.0
	}
	if cost > 5.0 {
		cost = 5.0
	}
	return cost
}
