package hkextract_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/mathopoulos/hkextract"
)

// scanAll drains a scanner and returns copies of every fragment.
func scanAll(t *testing.T, input, element string, chunkSize int) ([]hkextract.Fragment, *hkextract.Scanner) {
	t.Helper()
	sc := hkextract.NewScanner(strings.NewReader(input), element, chunkSize)
	var out []hkextract.Fragment
	for {
		frags, err := sc.Next()
		for _, f := range frags {
			f.Data = bytes.Clone(f.Data)
			out = append(out, f)
		}
		if errors.Is(err, io.EOF) {
			return out, sc
		}
		require.NoError(t, err)
	}
}

func fragmentData(frags []hkextract.Fragment) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		out = append(out, string(f.Data))
	}
	return out
}

const scannerInput = `<?xml version="1.0" encoding="UTF-8"?>
<HealthData locale="en_US">
 <Record type="A" value="1"/>
 <Record type="B" value="2">
  <MetadataEntry key="HKMetadataKeyHeartRateMotionContext" value="0"/>
 </Record>
 <RecordSet name="not a record"/>
 <Record type="C" value="3"></Record>
</HealthData>
`

func TestScanner_ChunkBoundaryInvariance(t *testing.T) {
	want := []string{
		`<Record type="A" value="1"/>`,
		"<Record type=\"B\" value=\"2\">\n  <MetadataEntry key=\"HKMetadataKeyHeartRateMotionContext\" value=\"0\"/>\n </Record>",
		`<Record type="C" value="3"></Record>`,
	}

	for size := 1; size <= len(scannerInput)+1; size++ {
		frags, sc := scanAll(t, scannerInput, "Record", size)
		require.Equal(t, want, fragmentData(frags), "chunk size %d", size)
		require.Zero(t, sc.Dropped(), "chunk size %d", size)
		require.Equal(t, int64(len(scannerInput)), sc.BytesRead())
	}
}

func TestScanner_Offsets(t *testing.T) {
	frags, _ := scanAll(t, scannerInput, "Record", 5)
	require.Len(t, frags, 3)
	for _, f := range frags {
		require.Equal(t, string(f.Data), scannerInput[f.Offset:f.Offset+int64(len(f.Data))])
		require.False(t, f.Malformed)
	}
}

func TestScanner_DropsUnterminatedTail(t *testing.T) {
	tail := `<Record type="B" value="2">`
	input := `<Record type="A" value="1"/>` + tail

	frags, sc := scanAll(t, input, "Record", 4)
	require.Equal(t, []string{`<Record type="A" value="1"/>`}, fragmentData(frags))
	require.Equal(t, len(tail), sc.Dropped())
}

func TestScanner_BufferHoldsNoCompleteRecord(t *testing.T) {
	rec := `<Record type="A" value="1"/>`
	input := strings.Repeat(rec+"\n", 50)

	sc := hkextract.NewScanner(strings.NewReader(input), "Record", 13)
	total := 0
	for {
		frags, err := sc.Next()
		total += len(frags)
		require.Less(t, sc.Buffered(), len(rec))
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, 50, total)
}

func TestScanner_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      []string
		malformed []bool
	}{
		{
			name:      "opening tag interrupted",
			input:     `<Record type="A" value="1"<Record type="B" value="2"/>`,
			want:      []string{`<Record type="A" value="1"`, `<Record type="B" value="2"/>`},
			malformed: []bool{true, false},
		},
		{
			name:      "record opened inside record",
			input:     `<Record type="A"><Record type="B"/></Record>`,
			want:      []string{`<Record type="A">`, `<Record type="B"/>`},
			malformed: []bool{true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, size := range []int{1, 3, 8, 1024} {
				frags, _ := scanAll(t, tt.input, "Record", size)
				require.Equal(t, tt.want, fragmentData(frags), "chunk size %d", size)
				for i, f := range frags {
					require.Equal(t, tt.malformed[i], f.Malformed, "fragment %d, chunk size %d", i, size)
				}
			}
		})
	}
}

func TestScanner_OtherElement(t *testing.T) {
	input := `<Workout workoutActivityType="HKWorkoutActivityTypeRunning" duration="30">` +
		`<WorkoutEvent type="HKWorkoutEventTypePause"/>` +
		`<WorkoutStatistics type="HKQuantityTypeIdentifierHeartRate" average="140"/>` +
		`</Workout><Record type="A" value="1"/>`

	frags, _ := scanAll(t, input, "Workout", 7)
	require.Len(t, frags, 1)
	require.True(t, strings.HasPrefix(string(frags[0].Data), `<Workout workoutActivityType=`))
	require.True(t, strings.HasSuffix(string(frags[0].Data), `</Workout>`))
}

func TestScanner_ReadError(t *testing.T) {
	errBoom := errors.New("boom")
	r := io.MultiReader(strings.NewReader(`<Record type="A" value="1"/>`), iotest.ErrReader(errBoom))

	sc := hkextract.NewScanner(r, "Record", 1024)
	_, err := sc.Next()
	require.ErrorIs(t, err, errBoom)
}

func TestScanner_NextAfterEOF(t *testing.T) {
	sc := hkextract.NewScanner(strings.NewReader(`<Record a="1"/>`), "Record", 0)

	frags, err := sc.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, frags, 1)

	frags, err = sc.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, frags)
}
