package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoutingKey_JoinsClassAndKind(t *testing.T) {
	require.Equal(t, "reports.generate_pdf", RoutingKey("reports", "generate_pdf"))
}

func TestMessages_StatusCodeMapping(t *testing.T) {
	require.Equal(t, StatusCode(0), StatusQueuedCode)
	require.Equal(t, StatusCode(6), StatusUnknownCode)
}
