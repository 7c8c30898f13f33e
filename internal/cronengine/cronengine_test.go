package cronengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngine_Next_EveryFiveMinutes(t *testing.T) {
	e := New()
	base := time.Date(2026, 7, 31, 10, 2, 0, 0, time.UTC)

	next, err := e.Next("*/5 * * * *", base)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC), next)
}

func TestEngine_Validate_RejectsMalformed(t *testing.T) {
	e := New()
	require.Error(t, e.Validate("not a cron expression"))
	require.NoError(t, e.Validate("0 0 * * *"))
}

func TestEngine_Next_NonUTCBaseNormalized(t *testing.T) {
	e := New()
	loc := time.FixedZone("UTC-5", -5*3600)
	base := time.Date(2026, 7, 31, 5, 2, 0, 0, loc) // == 10:02 UTC

	next, err := e.Next("*/5 * * * *", base)
	require.NoError(t, err)
	require.Equal(t, time.UTC, next.Location())
	require.Equal(t, time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC), next)
}
