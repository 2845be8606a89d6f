package dtc

import (
	"bytes"
	"context"
	"testing"

	"elmlink/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintCodes(t *testing.T) {
	var buf bytes.Buffer
	PrintCodes(&buf, nil)
	assert.Equal(t, "No error codes.\n", buf.String())

	buf.Reset()
	PrintCodes(&buf, []string{"P0133", "U3FFF"})
	assert.Equal(t, "- P0133: O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)\n- U3FFF: Unknown DTC\n", buf.String())
}

func TestRun_Mock(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.SetDefaults(viper.GetViper())
	viper.Set(config.KeyMock, true)
	viper.Set(config.KeyScanDuration, "20ms")

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.Flags().Bool("pending", false, "")
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, Run(cmd, nil))
	assert.Contains(t, out.String(), "- P0133:")
}
