package feeds

// Derived risk levels for river-gauge classification. Each tier has an
// inclusive lower bound: a level exactly at the alert threshold classifies
// as alert.
const (
	riskNormal   = 0.2
	riskAlert    = 0.5
	riskAlarm    = 0.8
	riskCritical = 1.0
)

// ClassifyWaterLevel derives status and risk from a water level and its
// thresholds. Thresholds are inclusive lower bounds of their tiers.
func ClassifyWaterLevel(levelM, alertM, alarmM, criticalM float64) (StationStatus, float64) {
	switch {
	case levelM >= criticalM:
		return StationCritical, riskCritical
	case levelM >= alarmM:
		return StationAlarm, riskAlarm
	case levelM >= alertM:
		return StationAlert, riskAlert
	default:
		return StationNormal, riskNormal
	}
}

// ClassifyReservoir derives status and risk from the deviation of a
// reservoir level above its normal-high mark, in meters.
func ClassifyReservoir(deviationM float64) (ReservoirStatus, float64) {
	switch {
	case deviationM >= 2.0:
		return ReservoirCritical, 1.0
	case deviationM >= 1.0:
		return ReservoirAlarm, 0.8
	case deviationM >= 0.5:
		return ReservoirAlert, 0.5
	case deviationM >= 0.0:
		return ReservoirNormal, 0.3
	default:
		return ReservoirBelowNormal, 0.1
	}
}

// ClassifyRainfall bands a rainfall rate in mm/h into the standard
// intensity classes.
func ClassifyRainfall(mmPerHour float64) RainIntensity {
	switch {
	case mmPerHour <= 0:
		return RainNone
	case mmPerHour <= 2.5:
		return RainLight
	case mmPerHour <= 7.5:
		return RainModerate
	case mmPerHour <= 15:
		return RainHeavy
	case mmPerHour <= 30:
		return RainIntense
	default:
		return RainTorrential
	}
}
