package hkextract_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mathopoulos/hkextract"
)

const exampleExport = `<?xml version="1.0" encoding="UTF-8"?>
<HealthData locale="en_US">
 <Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" startDate="2024-02-20 08:00:00 +0000" endDate="2024-02-20 08:00:00 +0000" value="61"/>
 <Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" startDate="2024-02-10 08:00:00 +0000" endDate="2024-02-10 08:00:00 +0000" value="58"/>
 <Record type="HKQuantityTypeIdentifierStepCount" sourceName="Phone" unit="count" startDate="2024-02-20 08:00:00 +0000" endDate="2024-02-20 09:00:00 +0000" value="1200"/>
 <Record type="HKQuantityTypeIdentifierStepCount" sourceName="Phone" unit="count" startDate="2024-02-20 18:00:00 +0000" endDate="2024-02-20 19:00:00 +0000" value="800"/>
</HealthData>
`

// =============================================================================
// Example: Basic Pipeline
// =============================================================================

type printJob struct{}

func (printJob) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(exampleExport)), nil
}

func (printJob) Load(_ context.Context, series hkextract.Series) error {
	for _, p := range series {
		fmt.Printf("%s %v %s\n", p.Date, p.Value, p.Unit)
	}
	return nil
}

func ExampleNew() {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	res, err := hkextract.New(hkextract.HeartRate, printJob{}).
		WithClock(func() time.Time { return now }).
		Run(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("found %d of %d scanned\n", res.RecordsFound, res.Stats.Scanned())

	// Output:
	// 2024-02-10 58 count/min
	// 2024-02-20 61 count/min
	// found 2 of 4 scanned
}

func ExampleNew_dailySum() {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := hkextract.New(hkextract.Steps, printJob{}).
		WithClock(func() time.Time { return now }).
		Run(context.Background())
	if err != nil {
		fmt.Println("error:", err)
	}

	// Output:
	// 2024-02-20 2000 count
}

func ExampleParseRetention() {
	r, err := hkextract.ParseRetention("1y6m")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fmt.Println(r, r.Cutoff(now).Format(hkextract.DateLayout))

	// Output:
	// 1y6m 2022-09-01
}

func ExampleScanner() {
	sc := hkextract.NewScanner(strings.NewReader(exampleExport), hkextract.ElementRecord, 100)
	n := 0
	for {
		frags, err := sc.Next()
		n += len(frags)
		if err != nil {
			break
		}
	}
	fmt.Println(n, "records")

	// Output:
	// 4 records
}

func ExampleExtractRecord() {
	frag := []byte(`<Record type="HKQuantityTypeIdentifierBodyFatPercentage" sourceName="Scale" unit="%" startDate="2024-02-20 07:00:00 +0000" value="0.223"/>`)

	rec, err := hkextract.ExtractRecord(frag, hkextract.BodyFat)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(rec.SourceName, rec.Value, rec.Unit)

	// Output:
	// Scale 0.223 %
}

func ExampleWeightedBatcher() {
	rows := make([]int, 10)
	// 3 parameters per row, at most 12 per statement
	batches := hkextract.WeightedBatcher(func(int) int { return 3 }, 12).Batch(rows)
	for _, b := range batches {
		fmt.Println(len(b))
	}

	// Output:
	// 4
	// 4
	// 2
}
