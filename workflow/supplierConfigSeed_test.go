package workflow

import (
	"strings"
	"testing"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
suppliers:
  - name: Myanma Posts and Telecommunications
    code: MPT
    ingestion_method: sftp
    adapter_class: csv
    file_schema:
      delimiter: ","
      has_header_row: true
      timestamp_layout: "2006-01-02 15:04:05"
      timezone: UTC
      body:
        - {name: transaction_id, source: txn_id, type: string, required: true}
        - {name: reference, source: ref, type: string}
        - {name: amount, source: amount, type: amount, required: true}
        - {name: timestamp, source: paid_at, type: timestamp, required: true}
    primary_match_fields: [reference]
    secondary_match_fields: [amount, timestamp]
    timestamp_tolerance_seconds: 300
    commission_method: percentage
    commission_rate: 2.5
    critical_variance_threshold: 100000
    rounding_step_cents: 1
    manual_review_alert_ratio: 0.2
    expected_delivery_time: "06:00"
    sla_hours: 4
    timezone: UTC
    alert_routing:
      - {channel: slack, recipients: ["#recon"]}
  - name: Broken
    code: BROKEN
    ingestion_method: sftp
    adapter_class: csv
    file_schema:
      body:
        - {name: transaction_id, type: string}
`

func TestParseSupplierConfigFile(t *testing.T) {
	configs, err := ParseSupplierConfigFile([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	mpt := configs[0]
	require.Equal(t, "MPT", mpt.Code)
	require.Equal(t, models.AdapterCSV, mpt.AdapterClass)
	require.Len(t, mpt.FileSchema.Body, 4)
	require.Equal(t, "txn_id", mpt.FileSchema.Body[0].SourceName())
	require.Equal(t, "2.5", mpt.CommissionRate.String())
	require.Equal(t, "100000", mpt.CriticalVarianceThreshold.String())
	require.InDelta(t, 0.2, mpt.ManualReviewAlertRatio, 1e-9)
	require.Len(t, mpt.AlertRouting, 1)

	_, err = ParseSupplierConfigFile([]byte("suppliers:\n  - code: MPT\n    primary_match_field: [reference]\n"))
	require.Error(t, err)

	_, err = ParseSupplierConfigFile([]byte("suppliers:\n  - code: MPT\n  - code: MPT\n"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "more than once"))
}

func TestSupplierConfigRegistry_Seed(t *testing.T) {
	h := newHarness(t)
	configs, err := ParseSupplierConfigFile([]byte(seedYAML))
	require.NoError(t, err)

	outcomes, err := h.registry.Seed(h.ctx, configs, SystemActor, true)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, SeedCreated, outcomes[0].Action)
	require.Equal(t, SeedInvalid, outcomes[1].Action)
	require.Error(t, outcomes[1].Err)
	_, err = models.GetSupplierConfigByCode(h.ctx, h.db, "MPT")
	require.Error(t, err, "dry run must not write")

	outcomes, err = h.registry.Seed(h.ctx, configs, SystemActor, false)
	require.NoError(t, err)
	require.Equal(t, SeedCreated, outcomes[0].Action)
	require.Equal(t, 1, outcomes[0].Version)

	configs, err = ParseSupplierConfigFile([]byte(seedYAML))
	require.NoError(t, err)
	outcomes, err = h.registry.Seed(h.ctx, configs, SystemActor, false)
	require.NoError(t, err)
	require.Equal(t, SeedUnchanged, outcomes[0].Action)
	require.Equal(t, 1, outcomes[0].Version)

	configs, err = ParseSupplierConfigFile([]byte(strings.Replace(seedYAML, "timestamp_tolerance_seconds: 300", "timestamp_tolerance_seconds: 120", 1)))
	require.NoError(t, err)
	outcomes, err = h.registry.Seed(h.ctx, configs, SystemActor, false)
	require.NoError(t, err)
	require.Equal(t, SeedUpdated, outcomes[0].Action)
	require.Equal(t, 2, outcomes[0].Version)

	stored, err := h.registry.GetConfig(h.ctx, "MPT")
	require.NoError(t, err)
	require.Equal(t, 120, stored.TimestampToleranceSeconds)
}
