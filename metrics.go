package hkextract

import (
	"fmt"
	"sort"
)

// Element names.
const (
	ElementRecord  = "Record"
	ElementWorkout = "Workout"
)

// Record type identifiers, exactly as they appear in exports.
const (
	TypeHeartRate        = "HKQuantityTypeIdentifierHeartRate"
	TypeRestingHeartRate = "HKQuantityTypeIdentifierRestingHeartRate"
	TypeBodyMass         = "HKQuantityTypeIdentifierBodyMass"
	TypeBodyFat          = "HKQuantityTypeIdentifierBodyFatPercentage"
	TypeHRV              = "HKQuantityTypeIdentifierHeartRateVariabilitySDNN"
	TypeVO2Max           = "HKQuantityTypeIdentifierVO2Max"
	TypeBloodGlucose     = "HKQuantityTypeIdentifierBloodGlucose"
	TypeStepCount        = "HKQuantityTypeIdentifierStepCount"
	TypeActiveEnergy     = "HKQuantityTypeIdentifierActiveEnergyBurned"
	TypeSleepAnalysis    = "HKCategoryTypeIdentifierSleepAnalysis"

	// SleepAsleepPrefix matches every asleep stage: Asleep, AsleepCore,
	// AsleepDeep, AsleepREM and AsleepUnspecified.
	SleepAsleepPrefix = "HKCategoryValueSleepAnalysisAsleep"
)

var (
	HeartRate = Metric{
		Name:       "heart_rate",
		Types:      []string{TypeHeartRate},
		Unit:       "count/min",
		Timestamps: true,
		Retention:  Days(30),
		Order:      Ascending,
	}
	RestingHeartRate = Metric{
		Name:      "resting_heart_rate",
		Types:     []string{TypeRestingHeartRate},
		Unit:      "count/min",
		Retention: Years(1),
		Order:     Ascending,
	}
	Weight = Metric{
		Name:      "weight",
		Types:     []string{TypeBodyMass},
		Convert:   Kilograms,
		Unit:      "kg",
		Retention: Years(4),
		Order:     Descending,
	}
	BodyFat = Metric{
		Name:      "body_fat",
		Types:     []string{TypeBodyFat},
		Convert:   Percent(),
		Unit:      "%",
		Retention: Years(4),
		Order:     Descending,
	}
	HRV = Metric{
		Name:       "hrv",
		Types:      []string{TypeHRV},
		Unit:       "ms",
		Timestamps: true,
		Retention:  Days(30),
		Order:      Ascending,
	}
	VO2Max = Metric{
		Name:      "vo2max",
		Types:     []string{TypeVO2Max},
		Unit:      "mL/min·kg",
		Retention: Years(4),
		Order:     Descending,
	}
	BloodGlucose = Metric{
		Name:      "blood_glucose",
		Types:     []string{TypeBloodGlucose},
		Unit:      "mg/dL",
		Retention: Years(4),
		Order:     Descending,
	}
	Steps = Metric{
		Name:      "steps",
		Types:     []string{TypeStepCount},
		Kind:      KindDailySum,
		Unit:      "count",
		Retention: Days(30),
		Order:     Ascending,
	}
	ActiveEnergy = Metric{
		Name:      "active_energy",
		Types:     []string{TypeActiveEnergy},
		Kind:      KindDailySum,
		Unit:      "kcal",
		Retention: Days(30),
		Order:     Ascending,
	}
	Sleep = Metric{
		Name:           "sleep",
		Types:          []string{TypeSleepAnalysis},
		Kind:           KindInterval,
		IntervalPrefix: SleepAsleepPrefix,
		Unit:           "hr",
		Timestamps:     true,
		Retention:      Days(30),
		Order:          Ascending,
	}
	// Workouts reads <Workout> elements of any activity; the value is the
	// workout duration in minutes.
	Workouts = Metric{
		Name:         "workouts",
		Element:      ElementWorkout,
		TypeAttr:     "workoutActivityType",
		ValueAttr:    "duration",
		UnitAttr:     "durationUnit",
		ActivityAttr: "workoutActivityType",
		Convert:      Minutes,
		Unit:         "min",
		Timestamps:   true,
		Retention:    Years(1),
		Order:        Descending,
	}
)

var catalog = map[string]Metric{}

func init() {
	for _, m := range []Metric{
		HeartRate, RestingHeartRate, Weight, BodyFat, HRV, VO2Max,
		BloodGlucose, Steps, ActiveEnergy, Sleep, Workouts,
	} {
		catalog[m.Name] = m
	}
}

// Catalog returns the built-in metrics sorted by name.
func Catalog() []Metric {
	out := make([]Metric, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the built-in metric called name.
func Lookup(name string) (Metric, error) {
	m, ok := catalog[name]
	if !ok {
		return Metric{}, fmt.Errorf("%w: unknown metric %q", ErrInvalidMetric, name)
	}
	return m, nil
}
