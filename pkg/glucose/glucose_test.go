package glucose

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataQualityString(t *testing.T) {
	assert.Equal(t, "OK", DataQuality(0).String())
	assert.Equal(t, "FILTER_DELTA, SENSOR_SIGNAL_LOW", (FilterDelta | SensorSignalLow).String())
	assert.Equal(t, "0x0200", DataQuality(0x200).String())
}

func TestTrendArrowOf(t *testing.T) {
	assert.Equal(t, TrendStable, TrendArrowOf(3))
	assert.Equal(t, TrendUnknown, TrendArrowOf(7))
	assert.Equal(t, TrendUnknown, TrendArrowOf(-3))
	assert.Equal(t, "RISING_QUICKLY", TrendRisingQuickly.String())
}

func TestJSON(t *testing.T) {
	g := Raw(1440, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), 1234)
	g.TemperatureAdjustment = -8

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var back Glucose
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, g, back)
	assert.Equal(t, NoData, back.Value)
}
